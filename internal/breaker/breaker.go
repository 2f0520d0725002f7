// internal/breaker/breaker.go
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/metrics"
)

// ErrCircuitOpen is returned when a call is short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Record is the durable per-service breaker state. Version guards
// optimistic updates: concurrent handler instances share one row.
type Record struct {
	Service         string
	State           State
	FailureCount    int
	RecoveryTimeout time.Duration
	WindowStartedAt *time.Time
	OpenedAt        *time.Time
	NextRetryAt     *time.Time
	Version         int64
}

// Store persists breaker records. Save must be a compare-and-swap on
// Version: it returns false without writing when the row moved underneath
// the caller.
type Store interface {
	Load(ctx context.Context, service string) (*Record, error)
	Save(ctx context.Context, rec *Record) (bool, error)
}

// Breaker is a per-dependency failure gate. It never invokes anything
// itself: Allow answers whether a call may proceed, and the caller
// reports the outcome through RecordSuccess/RecordFailure.
type Breaker struct {
	store Store
	bus   *events.Bus

	failureThreshold   int
	failureWindow      time.Duration
	recoveryTimeout    time.Duration
	maxRecoveryTimeout time.Duration
	backoffMultiplier  float64

	now    func() time.Time
	logger *zap.Logger
}

// Option configures the breaker.
type Option func(*Breaker)

// WithFailureThreshold sets failures before opening.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithFailureWindow sets the rolling window failures must land in.
func WithFailureWindow(d time.Duration) Option {
	return func(b *Breaker) { b.failureWindow = d }
}

// WithRecoveryTimeout sets the initial open duration.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

// WithMaxRecoveryTimeout caps exponential recovery timeout growth.
func WithMaxRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.maxRecoveryTimeout = d }
}

// WithBackoffMultiplier sets recovery timeout growth on repeated failure.
func WithBackoffMultiplier(m float64) Option {
	return func(b *Breaker) { b.backoffMultiplier = m }
}

// WithLogger adds logging.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker over the given durable store.
func New(store Store, bus *events.Bus, opts ...Option) *Breaker {
	b := &Breaker{
		store:              store,
		bus:                bus,
		failureThreshold:   5,
		failureWindow:      time.Minute,
		recoveryTimeout:    60 * time.Second,
		maxRecoveryTimeout: 10 * time.Minute,
		backoffMultiplier:  2.0,
		now:                time.Now,
		logger:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// maxCASAttempts bounds the retry loop when instances race on one row.
const maxCASAttempts = 5

// Allow reports whether a call to the service may proceed. In OPEN state
// it flips to HALF_OPEN once the recovery timeout has elapsed and grants
// the trial call to exactly one caller; everyone else stays rejected
// until the trial outcome is recorded.
func (b *Breaker) Allow(ctx context.Context, service string) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := b.load(ctx, service)
		if err != nil {
			return false, err
		}

		switch rec.State {
		case StateClosed:
			return true, nil

		case StateHalfOpen:
			// A trial call is already in flight somewhere.
			metrics.RecordShortCircuit(service)
			return false, nil

		case StateOpen:
			if rec.NextRetryAt != nil && b.now().Before(*rec.NextRetryAt) {
				metrics.RecordShortCircuit(service)
				return false, nil
			}
			// Timeout elapsed: whoever wins the CAS gets the trial.
			rec.State = StateHalfOpen
			ok, err := b.save(ctx, service, rec, events.TypeBreakerHalfOpen, events.SeverityInfo)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			// Lost the race; re-read and decide again.
		}
	}
	metrics.RecordShortCircuit(service)
	return false, nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := b.load(ctx, service)
		if err != nil {
			return err
		}

		prev := rec.State
		rec.FailureCount = 0
		rec.WindowStartedAt = nil

		if rec.State == StateHalfOpen {
			rec.State = StateClosed
			rec.RecoveryTimeout = b.recoveryTimeout
			rec.OpenedAt = nil
			rec.NextRetryAt = nil
		}

		eventType := events.Type("")
		if prev == StateHalfOpen {
			eventType = events.TypeBreakerClosed
		}

		ok, err := b.save(ctx, service, rec, eventType, events.SeverityInfo)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("breaker %s: contention recording success", service)
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure(ctx context.Context, service string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := b.load(ctx, service)
		if err != nil {
			return err
		}

		now := b.now()
		eventType := events.Type("")
		severity := events.SeverityWarning

		switch rec.State {
		case StateHalfOpen:
			// Trial failed: reopen with a longer timeout.
			rec.State = StateOpen
			rec.RecoveryTimeout = b.nextTimeout(rec.RecoveryTimeout)
			b.open(rec, now)
			eventType = events.TypeBreakerOpened
			severity = events.SeverityCritical

		case StateClosed:
			if rec.WindowStartedAt == nil || now.Sub(*rec.WindowStartedAt) > b.failureWindow {
				// Window expired: this failure starts a fresh one.
				start := now
				rec.WindowStartedAt = &start
				rec.FailureCount = 1
			} else {
				rec.FailureCount++
			}

			if rec.FailureCount >= b.failureThreshold {
				rec.State = StateOpen
				b.open(rec, now)
				eventType = events.TypeBreakerOpened
				severity = events.SeverityCritical
			}

		case StateOpen:
			rec.FailureCount++
		}

		ok, err := b.save(ctx, service, rec, eventType, severity)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("breaker %s: contention recording failure", service)
}

// CurrentState returns the durable state for a service.
func (b *Breaker) CurrentState(ctx context.Context, service string) (*Record, error) {
	return b.load(ctx, service)
}

// Reset forces the breaker closed. Admin/test hook.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	return b.force(ctx, service, StateClosed, events.TypeBreakerClosed)
}

// ForceOpen trips the breaker immediately. Admin/test hook.
func (b *Breaker) ForceOpen(ctx context.Context, service string) error {
	return b.force(ctx, service, StateOpen, events.TypeBreakerOpened)
}

func (b *Breaker) force(ctx context.Context, service string, state State, eventType events.Type) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := b.load(ctx, service)
		if err != nil {
			return err
		}

		rec.State = state
		rec.FailureCount = 0
		rec.WindowStartedAt = nil
		if state == StateOpen {
			b.open(rec, b.now())
		} else {
			rec.RecoveryTimeout = b.recoveryTimeout
			rec.OpenedAt = nil
			rec.NextRetryAt = nil
		}

		ok, err := b.save(ctx, service, rec, eventType, events.SeverityWarning)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("breaker %s: contention forcing state", service)
}

func (b *Breaker) open(rec *Record, now time.Time) {
	opened := now
	retry := now.Add(rec.RecoveryTimeout)
	rec.OpenedAt = &opened
	rec.NextRetryAt = &retry
}

func (b *Breaker) nextTimeout(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * b.backoffMultiplier)
	if next > b.maxRecoveryTimeout {
		next = b.maxRecoveryTimeout
	}
	if next < b.recoveryTimeout {
		next = b.recoveryTimeout
	}
	return next
}

// load fetches the record, lazily creating a CLOSED one.
func (b *Breaker) load(ctx context.Context, service string) (*Record, error) {
	rec, err := b.store.Load(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("load breaker state %s: %w", service, err)
	}
	if rec == nil {
		rec = &Record{
			Service:         service,
			State:           StateClosed,
			RecoveryTimeout: b.recoveryTimeout,
		}
	}
	return rec, nil
}

// save CASes the record and, when it wins and a transition happened,
// emits the audit event and updates gauges.
func (b *Breaker) save(ctx context.Context, service string, rec *Record, eventType events.Type, severity events.Severity) (bool, error) {
	ok, err := b.store.Save(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("save breaker state %s: %w", service, err)
	}
	if !ok {
		return false, nil
	}

	metrics.SetBreakerState(service, rec.State.gauge())

	if eventType != "" && b.bus != nil {
		payload := map[string]any{
			"state":         rec.State,
			"failure_count": rec.FailureCount,
		}
		if rec.NextRetryAt != nil {
			payload["next_retry_at"] = rec.NextRetryAt
		}
		if err := b.bus.Publish(ctx, events.New(eventType, events.CategoryBreaker, service, severity, payload)); err != nil {
			b.logger.Warn("publish breaker event", zap.String("service", service), zap.Error(err))
		}
		b.logger.Info("breaker transition",
			zap.String("service", service),
			zap.String("state", string(rec.State)),
			zap.Int("failures", rec.FailureCount))
	}
	return true, nil
}
