// internal/health/status.go
package health

import (
	"time"
)

// Status is the derived health status of one service.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
)

// rank orders statuses for worst-of aggregation and trend arithmetic.
func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusOffline:
		return 2
	default:
		return 0
	}
}

// Worse returns the worse of two statuses.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Trend is the coarse direction of recent status transitions.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Metrics is the embedded per-service probe telemetry. Rates are
// exponentially weighted over recent probes.
type Metrics struct {
	ResponseTimeMS      float64   `json:"response_time_ms"`
	SuccessRate         float64   `json:"success_rate"`
	ErrorRate           float64   `json:"error_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastHealthCheck     time.Time `json:"last_health_check"`
}

// Record is the durable per-service status row. One record per service,
// created lazily, never deleted. Version guards optimistic updates.
type Record struct {
	ServiceName       string    `json:"service_name"`
	Status            Status    `json:"status"`
	FailureCount      int       `json:"failure_count"`
	DegradationReason string    `json:"degradation_reason,omitempty"`
	LastCheck         time.Time `json:"last_check"`
	LastSuccess       time.Time `json:"last_success"`
	LastFailure       time.Time `json:"last_failure"`
	// UnhealthySince marks the start of the current failure streak;
	// zero while HEALTHY. Drives the read-only grace period.
	UnhealthySince time.Time `json:"unhealthy_since,omitempty"`
	Metrics        Metrics   `json:"metrics"`
	Version        int64     `json:"-"`
}
