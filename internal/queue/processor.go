// internal/queue/processor.go
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/metrics"
	"github.com/listforge/failsafe/internal/notify"
)

// Handler executes one claimed operation. A nil return completes the
// item; an error schedules a retry until the budget runs out.
type Handler func(ctx context.Context, op Operation, payload Payload) error

// Processor drains the queue in batches. It goes idle after a short
// batch and wakes on enqueue, so an empty queue costs nothing beyond
// the safety-net poll.
type Processor struct {
	queue      *Queue
	handlers   map[Type]Handler
	dispatcher notify.Dispatcher

	batchSize       int
	dispatchTimeout time.Duration
	idleInterval    time.Duration
	staleClaimAfter time.Duration

	logger *zap.Logger
}

// ProcessorOption configures the processor.
type ProcessorOption func(*Processor)

// WithBatchSize bounds how many items one drain pass claims.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) { p.batchSize = n }
}

// WithDispatchTimeout bounds each handler invocation.
func WithDispatchTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.dispatchTimeout = d }
}

// WithIdleInterval sets the safety-net poll while idle.
func WithIdleInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.idleInterval = d }
}

// WithStaleClaimAfter sets how long a PROCESSING claim may sit before
// the idle sweep returns it to PENDING. Must exceed the dispatch
// timeout or live claims get reclaimed out from under their handler.
func WithStaleClaimAfter(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.staleClaimAfter = d }
}

// WithNotifier routes terminal-failure notifications to item owners.
func WithNotifier(d notify.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.dispatcher = d }
}

// WithProcessorLogger adds logging.
func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor creates a processor bound to one queue.
func NewProcessor(q *Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		queue:           q,
		handlers:        make(map[Type]Handler),
		batchSize:       25,
		dispatchTimeout: 30 * time.Second,
		idleInterval:    5 * time.Second,
		staleClaimAfter: 5 * time.Minute,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to an operation type. Items without a
// handler fail terminally; that is a wiring bug, not a transient.
func (p *Processor) Register(typ Type, handler Handler) {
	p.handlers[typ] = handler
}

// Run drains until ctx is cancelled. Each idle tick also sweeps claims
// left PROCESSING by a crashed instance back to PENDING.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.idleInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		n := p.Drain(ctx)
		if n >= p.batchSize {
			continue // full batch, more is likely waiting
		}

		select {
		case <-ctx.Done():
			return
		case <-p.queue.wake:
		case <-ticker.C:
			if _, err := p.queue.ReclaimStale(ctx, p.staleClaimAfter); err != nil {
				p.logger.Error("reclaim stale claims", zap.Error(err))
			}
		}
	}
}

// Drain claims and dispatches one batch, returning how many items it
// claimed. Exposed for tests and the DR harness, which step the queue
// deterministically.
func (p *Processor) Drain(ctx context.Context) int {
	ops, err := p.queue.store.Claim(ctx, p.queue.now(), p.batchSize)
	if err != nil {
		p.logger.Error("claim batch", zap.Error(err))
		return 0
	}

	for _, op := range ops {
		p.process(ctx, op)
	}

	if depth, err := p.queue.store.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
	return len(ops)
}

func (p *Processor) process(ctx context.Context, op Operation) {
	payload, err := DecodePayload(op.Type, op.Payload)
	if err != nil {
		// Undecodable payloads never succeed; don't burn retries.
		p.failTerminal(ctx, op, op.RetryCount, err)
		return
	}

	handler, ok := p.handlers[op.Type]
	if !ok {
		p.failTerminal(ctx, op, op.RetryCount, &ConfigError{
			Field:  "operation_type",
			Reason: fmt.Sprintf("no handler registered for %q", op.Type),
		})
		return
	}

	if err := p.invoke(ctx, op, payload, handler); err != nil {
		p.scheduleRetry(ctx, op, err)
		return
	}

	now := p.queue.now()
	if err := p.queue.store.Complete(ctx, op.ID, now); err != nil {
		p.logger.Error("complete operation", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}

	metrics.RecordQueueOutcome(string(op.Type), "completed")
	p.publish(ctx, events.TypeOperationDone, events.SeverityInfo, map[string]any{
		"operation_id": op.ID,
		"type":         op.Type,
		"retry_count":  op.RetryCount,
	})
	p.logger.Debug("operation completed",
		zap.String("operation_id", op.ID),
		zap.Int("retry_count", op.RetryCount))
}

// invoke runs the handler under the dispatch timeout; a panic converts
// to an error so one bad item never takes the drain loop down.
func (p *Processor) invoke(ctx context.Context, op Operation, payload Payload, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	dispatchCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
	defer cancel()
	return handler(dispatchCtx, op, payload)
}

func (p *Processor) scheduleRetry(ctx context.Context, op Operation, dispatchErr error) {
	retryCount := op.RetryCount + 1
	if retryCount >= op.MaxRetries {
		p.failTerminal(ctx, op, retryCount, dispatchErr)
		return
	}

	due := p.queue.now().Add(p.queue.backoff(retryCount))
	if err := p.queue.store.Reschedule(ctx, op.ID, retryCount, due, dispatchErr.Error()); err != nil {
		p.logger.Error("reschedule operation", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}

	metrics.RecordQueueOutcome(string(op.Type), "retried")
	p.logger.Info("operation retry scheduled",
		zap.String("operation_id", op.ID),
		zap.Int("retry_count", retryCount),
		zap.Time("scheduled_at", due),
		zap.Error(dispatchErr))
}

func (p *Processor) failTerminal(ctx context.Context, op Operation, retryCount int, dispatchErr error) {
	terminal := &TerminalError{OperationID: op.ID, Attempts: retryCount, Err: dispatchErr}
	if err := p.queue.store.Fail(ctx, op.ID, retryCount, terminal.Error(), p.queue.now()); err != nil {
		p.logger.Error("fail operation", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}

	metrics.RecordQueueOutcome(string(op.Type), "failed")
	p.publish(ctx, events.TypeOperationFailed, events.SeverityWarning, map[string]any{
		"operation_id": op.ID,
		"type":         op.Type,
		"retry_count":  retryCount,
		"error":        dispatchErr.Error(),
	})
	p.logger.Warn("operation failed terminally",
		zap.String("operation_id", op.ID),
		zap.Int("retry_count", retryCount),
		zap.Error(dispatchErr))

	if p.dispatcher != nil && op.UserID != "" {
		p.dispatcher.Send(ctx, op.UserID,
			fmt.Sprintf("deferred %s operation could not be completed", op.Type),
			notify.SeverityWarning,
			map[string]string{"operation_id": op.ID, "file_id": op.FileID})
	}
}

func (p *Processor) publish(ctx context.Context, typ events.Type, severity events.Severity, payload map[string]any) {
	event := events.New(typ, events.CategoryQueue, "", severity, payload)
	event.Timestamp = p.queue.now()
	if err := p.queue.bus.Publish(ctx, event); err != nil {
		p.logger.Warn("publish queue event", zap.Error(err))
	}
}
