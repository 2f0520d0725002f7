package notify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Severity levels for outbound notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Dispatcher delivers notifications. Delivery is fire-and-forget: Send
// returns once the message is handed off, and failures are logged, not
// surfaced to callers.
type Dispatcher interface {
	Send(ctx context.Context, target, message, severity string, metadata map[string]string)
}

// LogDispatcher writes notifications to the service log. Used in dev and
// as the fallback when no webhook is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a log-backed dispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Send logs the notification.
func (d *LogDispatcher) Send(_ context.Context, target, message, severity string, metadata map[string]string) {
	fields := []zap.Field{
		zap.String("target", target),
		zap.String("severity", severity),
	}
	for k, v := range metadata {
		fields = append(fields, zap.String(k, v))
	}
	d.logger.Info("notification: "+message, fields...)
}

// RateLimited wraps a dispatcher with a token bucket so alert storms do
// not flood the downstream channel. Dropped notifications are logged.
type RateLimited struct {
	next    Dispatcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimited creates a rate-limited dispatcher allowing perMinute
// notifications with a small burst.
func NewRateLimited(next Dispatcher, perMinute float64, logger *zap.Logger) *RateLimited {
	burst := int(perMinute / 2)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		logger:  logger,
	}
}

// Send forwards the notification if the limiter allows it.
func (d *RateLimited) Send(ctx context.Context, target, message, severity string, metadata map[string]string) {
	if !d.limiter.Allow() {
		d.logger.Warn("notification rate limit exceeded, dropping",
			zap.String("target", target),
			zap.String("severity", severity))
		return
	}
	d.next.Send(ctx, target, message, severity, metadata)
}
