// internal/degradation/handler.go
package degradation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/queue"
)

// UnavailableError is returned when a call can be neither executed nor
// deferred nor served from a fallback.
type UnavailableError struct {
	Service string
	Reason  string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("service %s unavailable: %s", e.Service, e.Reason)
}

// Request is one dependency-facing call with its degradation options.
// Payload, when non-nil, is the deferred form of the call; a nil
// Payload means the call cannot be queued. Fallback, when non-nil,
// serves a degraded read.
type Request struct {
	Service  string
	Write    bool
	Primary  func(ctx context.Context) error
	Fallback func(ctx context.Context) error

	Payload  queue.Payload
	Priority queue.Priority
	UserID   string
	FileID   string
}

// Outcome reports how the request was resolved. Exactly one of
// Executed, Queued, or Degraded is set on success paths; Err is set
// when none of them could apply.
type Outcome struct {
	Executed    bool
	Queued      bool
	OperationID string
	Degraded    bool
	Err         error
}

// Handler is the single integration point for dependency-facing calls:
// it consults health status and the circuit breaker, runs the primary
// call when allowed, and degrades to queueing or fallback otherwise.
type Handler struct {
	monitor  *health.Monitor
	breaker  *breaker.Breaker
	queue    *queue.Queue
	readOnly *ReadOnlyController
	logger   *zap.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger adds logging.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler wires the handler to its collaborators. readOnly may be
// nil when no write-critical dependencies are configured.
func NewHandler(monitor *health.Monitor, brk *breaker.Breaker, q *queue.Queue, readOnly *ReadOnlyController, opts ...HandlerOption) *Handler {
	h := &Handler{
		monitor:  monitor,
		breaker:  brk,
		queue:    q,
		readOnly: readOnly,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ExecuteWithFailover resolves one request. The primary call is never
// attempted while the service is OFFLINE or its breaker is OPEN.
func (h *Handler) ExecuteWithFailover(ctx context.Context, req Request) Outcome {
	if req.Service == "" || req.Primary == nil {
		return Outcome{Err: fmt.Errorf("degradation: request needs a service and a primary call")}
	}

	// System-wide read-only mode defers every write up front.
	if req.Write && h.readOnly != nil {
		active, err := h.readOnly.Active(ctx)
		if err != nil {
			h.logger.Warn("read-only check", zap.Error(err))
		} else if active {
			return h.degrade(ctx, req, "read-only mode")
		}
	}

	status := health.StatusHealthy
	if rec, err := h.monitor.Current(ctx, req.Service); err != nil {
		h.logger.Warn("read service status", zap.String("service", req.Service), zap.Error(err))
	} else if rec != nil {
		status = rec.Status
	}

	if status == health.StatusOffline {
		return h.degrade(ctx, req, "service offline")
	}

	allowed, err := h.breaker.Allow(ctx, req.Service)
	if err != nil {
		h.logger.Warn("breaker check", zap.String("service", req.Service), zap.Error(err))
		allowed = true // fail open on breaker-store trouble, health still gates
	}
	if !allowed {
		return h.degrade(ctx, req, "circuit open")
	}

	primaryErr := req.Primary(ctx)
	if primaryErr == nil {
		if err := h.breaker.RecordSuccess(ctx, req.Service); err != nil {
			h.logger.Warn("record success", zap.String("service", req.Service), zap.Error(err))
		}
		return Outcome{Executed: true}
	}

	if err := h.breaker.RecordFailure(ctx, req.Service); err != nil {
		h.logger.Warn("record failure", zap.String("service", req.Service), zap.Error(err))
	}

	// Queue the write only once the breaker has given up on the
	// dependency; isolated failures surface to the caller.
	if rec, err := h.breaker.CurrentState(ctx, req.Service); err == nil && rec != nil && rec.State == breaker.StateOpen {
		outcome := h.degrade(ctx, req, "failure opened circuit")
		if outcome.Err == nil {
			return outcome
		}
	}

	return Outcome{Err: primaryErr}
}

// degrade resolves a request without touching the primary dependency:
// queue a write, serve a read from fallback, or report unavailable.
func (h *Handler) degrade(ctx context.Context, req Request, reason string) Outcome {
	if req.Payload != nil {
		priority := req.Priority
		if priority == 0 {
			priority = queue.PriorityNormal
		}
		id, err := h.queue.Enqueue(ctx, req.Payload,
			queue.WithPriority(priority),
			queue.WithOwner(req.UserID, req.FileID))
		if err != nil {
			var capErr *queue.CapacityError
			if errors.As(err, &capErr) {
				return Outcome{Err: err} // surfaced, never dropped
			}
			return Outcome{Err: fmt.Errorf("defer %s call: %w", req.Service, err)}
		}

		h.logger.Info("operation deferred",
			zap.String("service", req.Service),
			zap.String("operation_id", id),
			zap.String("reason", reason))
		return Outcome{Queued: true, OperationID: id}
	}

	if req.Fallback != nil {
		if err := req.Fallback(ctx); err != nil {
			return Outcome{Err: fmt.Errorf("fallback for %s: %w", req.Service, err)}
		}
		h.logger.Debug("served degraded fallback",
			zap.String("service", req.Service),
			zap.String("reason", reason))
		return Outcome{Degraded: true}
	}

	return Outcome{Err: &UnavailableError{Service: req.Service, Reason: reason}}
}
