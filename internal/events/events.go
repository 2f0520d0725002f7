package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category groups system events for audit queries.
type Category string

const (
	CategoryHealth      Category = "health"
	CategoryBreaker     Category = "breaker"
	CategoryQueue       Category = "queue"
	CategoryDegradation Category = "degradation"
	CategoryDR          Category = "dr"
)

// Severity mirrors notification severity levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Type identifies what happened.
type Type string

const (
	TypeStatusChanged    Type = "health.status_changed"
	TypeProbeFailed      Type = "health.probe_failed"
	TypeBreakerOpened    Type = "breaker.opened"
	TypeBreakerHalfOpen  Type = "breaker.half_open"
	TypeBreakerClosed    Type = "breaker.closed"
	TypeOperationQueued  Type = "queue.operation_queued"
	TypeOperationFailed  Type = "queue.operation_failed"
	TypeOperationDone    Type = "queue.operation_completed"
	TypeReadOnlyEntered  Type = "degradation.read_only_entered"
	TypeReadOnlyExited   Type = "degradation.read_only_exited"
	TypeDRTestStarted    Type = "dr.test_started"
	TypeDRTestFinished   Type = "dr.test_finished"
	TypeServiceForced    Type = "dr.service_forced"
)

// SystemEvent is one append-only audit log entry.
type SystemEvent struct {
	ID          string          `json:"id"`
	Type        Type            `json:"event_type"`
	Category    Category        `json:"category"`
	ServiceName string          `json:"service_name,omitempty"`
	Severity    Severity        `json:"severity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// New builds an event with id and timestamp filled in. The payload must
// marshal cleanly; a marshal failure stores a null payload rather than
// dropping the event.
func New(typ Type, category Category, service string, severity Severity, payload any) SystemEvent {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	return SystemEvent{
		ID:          uuid.NewString(),
		Type:        typ,
		Category:    category,
		ServiceName: service,
		Severity:    severity,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}
}

// Store persists the audit log.
type Store interface {
	Append(ctx context.Context, event SystemEvent) error
	Recent(ctx context.Context, limit int) ([]SystemEvent, error)
	RecentByService(ctx context.Context, service string, limit int) ([]SystemEvent, error)
	Range(ctx context.Context, from, to time.Time) ([]SystemEvent, error)
}

// Handler processes published events.
type Handler func(ctx context.Context, event SystemEvent)

// Bus fans events out to in-process subscribers after persisting them.
type Bus struct {
	store    Store
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates a bus backed by the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish appends the event to the store and notifies subscribers
// asynchronously. The append error is returned; handler errors are the
// handler's problem.
func (b *Bus) Publish(ctx context.Context, event SystemEvent) error {
	err := b.store.Append(ctx, event)

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(ctx, event)
	}

	return err
}

// Store exposes the backing store for read paths.
func (b *Bus) Store() Store {
	return b.store
}
