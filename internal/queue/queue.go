// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/metrics"
)

// Queue is the durable deferred-work queue. Enqueue is cheap and safe
// from request handlers; a Processor drains it in the background.
type Queue struct {
	store Store
	bus   *events.Bus

	maxSize    int
	maxRetries int
	baseDelay  time.Duration

	wake   chan struct{}
	now    func() time.Time
	logger *zap.Logger
}

// Option configures the queue.
type Option func(*Queue)

// WithMaxSize bounds non-terminal items; enqueue beyond it fails with
// CapacityError.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithMaxRetries sets the default retry budget per operation.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithBaseDelay sets the backoff base; retry n waits base * 2^n.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) { q.baseDelay = d }
}

// WithLogger adds logging.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over the given durable store.
func New(store Store, bus *events.Bus, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		bus:        bus,
		maxSize:    10000,
		maxRetries: 3,
		baseDelay:  time.Second,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueOption tunes one enqueue call.
type EnqueueOption func(*Operation)

// WithPriority overrides the default PriorityNormal.
func WithPriority(p Priority) EnqueueOption {
	return func(op *Operation) { op.Priority = p }
}

// WithRetryBudget overrides the queue-wide max retries for one item.
func WithRetryBudget(n int) EnqueueOption {
	return func(op *Operation) { op.MaxRetries = n }
}

// WithOwner associates the item with a user and file for listing and
// notification.
func WithOwner(userID, fileID string) EnqueueOption {
	return func(op *Operation) {
		op.UserID = userID
		op.FileID = fileID
	}
}

// WithDelay defers the first dispatch.
func WithDelay(d time.Duration) EnqueueOption {
	return func(op *Operation) { op.ScheduledAt = op.ScheduledAt.Add(d) }
}

// Enqueue persists a PENDING item and returns its id. At capacity it
// returns CapacityError and persists nothing.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts ...EnqueueOption) (string, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.now()
	op := &Operation{
		ID:          uuid.NewString(),
		Type:        payload.OperationType(),
		Payload:     raw,
		Priority:    PriorityNormal,
		Status:      StatusPending,
		MaxRetries:  q.maxRetries,
		EnqueuedAt:  now,
		ScheduledAt: now,
	}
	for _, opt := range opts {
		opt(op)
	}
	if op.MaxRetries < 1 {
		return "", &ConfigError{Field: "max_retries", Reason: "must be >= 1"}
	}

	// The store enforces the bound atomically with the insert; checking
	// depth here first would let concurrent enqueues overshoot it.
	if err := q.store.Insert(ctx, op, q.maxSize); err != nil {
		if errors.Is(err, ErrAtCapacity) {
			size := q.maxSize
			if depth, derr := q.store.Depth(ctx); derr == nil {
				size = depth
			}
			return "", &CapacityError{Size: size, Max: q.maxSize}
		}
		return "", err
	}

	if depth, err := q.store.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
	metrics.RecordQueueOutcome(string(op.Type), "queued")

	event := events.New(events.TypeOperationQueued, events.CategoryQueue, "", events.SeverityInfo,
		map[string]any{
			"operation_id": op.ID,
			"type":         op.Type,
			"priority":     op.Priority,
			"user_id":      op.UserID,
		})
	event.Timestamp = now
	if err := q.bus.Publish(ctx, event); err != nil {
		q.logger.Warn("publish enqueue event", zap.String("operation_id", op.ID), zap.Error(err))
	}

	q.logger.Debug("operation enqueued",
		zap.String("operation_id", op.ID),
		zap.String("type", string(op.Type)),
		zap.Int("priority", int(op.Priority)))

	// Nudge an idle processor without blocking.
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return op.ID, nil
}

// Cancel marks a non-terminal item CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.Cancel(ctx, id); err != nil {
		return err
	}
	metrics.RecordQueueOutcome("", "cancelled")
	q.logger.Info("operation cancelled", zap.String("operation_id", id))
	return nil
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	return q.store.Get(ctx, id)
}

// ListForUser returns a user's items, newest first.
func (q *Queue) ListForUser(ctx context.Context, userID string, limit int) ([]Operation, error) {
	return q.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns items in one status, dispatch order.
func (q *Queue) ListByStatus(ctx context.Context, status Status, limit int) ([]Operation, error) {
	return q.store.ListByStatus(ctx, status, limit)
}

// Depth returns the count of non-terminal items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.Depth(ctx)
}

// Cleanup deletes terminal items finished more than retention ago.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	purged, err := q.store.PurgeTerminal(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		q.logger.Info("purged terminal operations", zap.Int64("count", purged))
	}
	return purged, nil
}

// ReclaimStale returns items left PROCESSING longer than staleAfter to
// PENDING. An instance that crashes mid-dispatch leaves its claims
// behind; without the sweep they hold capacity forever.
func (q *Queue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	reclaimed, err := q.store.ReclaimStale(ctx, q.now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed stale claims", zap.Int64("count", reclaimed))
	}
	return reclaimed, nil
}

// backoff returns the delay before the given retry attempt.
func (q *Queue) backoff(retryCount int) time.Duration {
	return q.baseDelay * time.Duration(1<<retryCount)
}
