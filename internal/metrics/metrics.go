// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "failsafe_probe_duration_seconds",
			Help:    "Health probe round-trip time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	probeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsafe_probe_failures_total",
			Help: "Total failed health probes",
		},
		[]string{"service"},
	)

	serviceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failsafe_service_status",
			Help: "Service status (0=healthy, 1=degraded, 2=offline)",
		},
		[]string{"service"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failsafe_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	breakerShortCircuits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsafe_breaker_short_circuits_total",
			Help: "Calls rejected without touching the dependency",
		},
		[]string{"service"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "failsafe_queue_depth",
			Help: "Non-terminal items in the operation queue",
		},
	)

	queueOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsafe_queue_operations_total",
			Help: "Queue operation outcomes",
		},
		[]string{"type", "outcome"},
	)

	readOnlyMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "failsafe_read_only_mode",
			Help: "1 while system-wide read-only mode is active",
		},
	)

	drTestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsafe_dr_tests_total",
			Help: "Disaster recovery test outcomes",
		},
		[]string{"scenario_type", "status"},
	)

	drRTOSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "failsafe_dr_rto_seconds",
			Help:    "Measured recovery time per DR test",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"scenario_type"},
	)
)

// ObserveProbe records one health probe result.
func ObserveProbe(service string, duration time.Duration, failed bool) {
	probeDuration.WithLabelValues(service).Observe(duration.Seconds())
	if failed {
		probeFailures.WithLabelValues(service).Inc()
	}
}

// SetServiceStatus updates the status gauge.
func SetServiceStatus(service string, value float64) {
	serviceStatus.WithLabelValues(service).Set(value)
}

// SetBreakerState updates the breaker gauge.
func SetBreakerState(service string, value float64) {
	breakerState.WithLabelValues(service).Set(value)
}

// RecordShortCircuit counts a call rejected by an open breaker.
func RecordShortCircuit(service string) {
	breakerShortCircuits.WithLabelValues(service).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordQueueOutcome counts a queue dispatch outcome.
func RecordQueueOutcome(opType, outcome string) {
	queueOutcomes.WithLabelValues(opType, outcome).Inc()
}

// SetReadOnlyMode updates the read-only gauge.
func SetReadOnlyMode(active bool) {
	if active {
		readOnlyMode.Set(1)
	} else {
		readOnlyMode.Set(0)
	}
}

// RecordDRTest counts a finished DR test and its measured RTO.
func RecordDRTest(scenarioType, status string, rto time.Duration) {
	drTestOutcomes.WithLabelValues(scenarioType, status).Inc()
	if rto > 0 {
		drRTOSeconds.WithLabelValues(scenarioType).Observe(rto.Seconds())
	}
}
