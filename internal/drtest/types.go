// internal/drtest/types.go
package drtest

import (
	"errors"
	"fmt"
	"time"
)

// ScenarioType is the closed set of disaster-recovery drills.
type ScenarioType string

const (
	ScenarioFullOutage           ScenarioType = "full_outage"
	ScenarioPartialDegradation   ScenarioType = "partial_degradation"
	ScenarioCircuitBreaker       ScenarioType = "circuit_breaker"
	ScenarioBackupRestore        ScenarioType = "backup_restore"
	ScenarioFailoverMechanism    ScenarioType = "failover_mechanism"
	ScenarioPerformanceBenchmark ScenarioType = "performance_benchmark"
)

// Valid reports whether the type is known.
func (t ScenarioType) Valid() bool {
	switch t {
	case ScenarioFullOutage, ScenarioPartialDegradation, ScenarioCircuitBreaker,
		ScenarioBackupRestore, ScenarioFailoverMechanism, ScenarioPerformanceBenchmark:
		return true
	}
	return false
}

// TestStatus tracks a DR test run.
type TestStatus string

const (
	TestPending   TestStatus = "PENDING"
	TestRunning   TestStatus = "RUNNING"
	TestCompleted TestStatus = "COMPLETED"
	TestFailed    TestStatus = "FAILED"
	TestCancelled TestStatus = "CANCELLED"
)

// Prerequisite is a named pre-flight check.
type Prerequisite string

const (
	// PrereqAllHealthy requires every monitored service HEALTHY.
	PrereqAllHealthy Prerequisite = "all_healthy"
	// PrereqQueueIdle requires no pending deferred operations.
	PrereqQueueIdle Prerequisite = "queue_idle"
)

// Scenario declares one drill: what to break, what recovery must look
// like, and the RTO/RPO targets to judge it by.
type Scenario struct {
	Name          string         `json:"name" yaml:"name"`
	Type          ScenarioType   `json:"type" yaml:"type"`
	Service       string         `json:"service" yaml:"service"`
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites"`
	RTOTarget     time.Duration  `json:"rto_target" yaml:"rto_target"`
	RPOTarget     time.Duration  `json:"rpo_target" yaml:"rpo_target"`
	// RecoveryTimeout bounds how long a drill waits for self-healing
	// before declaring recovery failed.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// Iterations applies to performance benchmarks.
	Iterations int `json:"iterations,omitempty" yaml:"iterations"`
}

// Validate rejects malformed scenarios before anything runs.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario: name is required")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("scenario %s: unknown type %q", s.Name, s.Type)
	}
	if s.RTOTarget <= 0 || s.RPOTarget < 0 {
		return fmt.Errorf("scenario %s: rto_target must be positive and rpo_target non-negative", s.Name)
	}
	return nil
}

// Test is one execution of a scenario. A test owns its results, logs,
// and metrics; deleting the test cascades to them.
type Test struct {
	ID           string        `json:"id"`
	ScenarioName string        `json:"scenario_name"`
	ScenarioType ScenarioType  `json:"scenario_type"`
	Status       TestStatus    `json:"status"`
	RTOTarget    time.Duration `json:"rto_target"`
	RPOTarget    time.Duration `json:"rpo_target"`
	RTOActual    time.Duration `json:"rto_actual"`
	RPOActual    time.Duration `json:"rpo_actual"`
	// RTOMeasured/RPOMeasured distinguish a populated zero from "not
	// measured".
	RTOMeasured bool       `json:"rto_measured"`
	RPOMeasured bool       `json:"rpo_measured"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Result is one pass/fail step outcome within a test.
type Result struct {
	ID       string        `json:"id"`
	TestID   string        `json:"test_id"`
	Step     string        `json:"step"`
	Order    int           `json:"order"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Log is one timeline entry within a test.
type Log struct {
	ID      string    `json:"id"`
	TestID  string    `json:"test_id"`
	Level   string    `json:"level"`
	Step    string    `json:"step,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Metric is one measured value within a test.
type Metric struct {
	ID     string    `json:"id"`
	TestID string    `json:"test_id"`
	Name   string    `json:"name"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	At     time.Time `json:"at"`
}

// ErrScenarioRunning is returned when another scenario holds the
// single-run lock.
var ErrScenarioRunning = errors.New("another scenario is already running")

// ErrScenarioNotFound is returned for unknown scenario names.
var ErrScenarioNotFound = errors.New("scenario not found")

// ErrScenarioDisabled is returned when a known scenario is switched off.
var ErrScenarioDisabled = errors.New("scenario is disabled")

// PrerequisiteError means a pre-flight check failed; no test record is
// created.
type PrerequisiteError struct {
	Scenario     string
	Prerequisite Prerequisite
	Reason       string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("scenario %s: prerequisite %s not met: %s", e.Scenario, e.Prerequisite, e.Reason)
}
