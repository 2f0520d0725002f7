// internal/drtest/orchestrator.go
package drtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/failover"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/metrics"
	"github.com/listforge/failsafe/internal/queue"
)

// HealthControl is the slice of the health monitor the orchestrator
// drives: aggregate/per-service reads plus the force hooks used to
// degrade and restore a dependency under test.
type HealthControl interface {
	Aggregate(ctx context.Context) (health.Status, error)
	Current(ctx context.Context, service string) (*health.Record, error)
	ReportResult(ctx context.Context, service string, latency time.Duration, probeErr error) error
	ForceDegrade(ctx context.Context, service, reason string) error
	ForceRecover(ctx context.Context, service string) error
}

// BreakerControl drives the circuit breaker during scenarios.
type BreakerControl interface {
	Allow(ctx context.Context, service string) (bool, error)
	RecordSuccess(ctx context.Context, service string) error
	RecordFailure(ctx context.Context, service string) error
	CurrentState(ctx context.Context, service string) (*breaker.Record, error)
	Reset(ctx context.Context, service string) error
}

// QueueControl exposes queue depth and a synchronous drain so scenarios
// can step deferred work deterministically.
type QueueControl interface {
	Depth(ctx context.Context) (int, error)
	Drain(ctx context.Context) int
}

// QueueHook adapts the concrete queue and its processor to QueueControl.
type QueueHook struct {
	Queue     *queue.Queue
	Processor *queue.Processor
}

func (h QueueHook) Depth(ctx context.Context) (int, error) { return h.Queue.Depth(ctx) }
func (h QueueHook) Drain(ctx context.Context) int          { return h.Processor.Drain(ctx) }

// StorageControl is the failover facade surface scenarios exercise.
// Probe must bypass failover: recovery polling calls it repeatedly and
// a deferring implementation would flood the queue with probe writes.
type StorageControl interface {
	Upload(ctx context.Context, bucket, key string, data []byte, userID, fileID string) failover.Result
	Download(ctx context.Context, bucket, key string) failover.Result
	Delete(ctx context.Context, bucket, key, userID, fileID string) failover.Result
	Probe(ctx context.Context, bucket string) error
}

// FaultInjector makes a dependency genuinely fail, beyond what
// force-degrade alone simulates. Restore must be safe to call on a
// service that was never broken.
type FaultInjector interface {
	Break(service string)
	Restore(service string)
}

// Orchestrator runs disaster-recovery scenarios against the live stack
// and records what it observed. One scenario runs at a time.
type Orchestrator struct {
	store   Store
	bus     *events.Bus
	health  HealthControl
	breaker BreakerControl
	queue   QueueControl
	storage StorageControl
	faults  FaultInjector

	recoveryPoll time.Duration
	bucket       string

	logger *zap.Logger
	now    func() time.Time
	wait   func(time.Duration)

	// mu serializes drills within this process. Deployments running
	// several orchestrator instances against one store need an external
	// guard, such as a Postgres advisory lock taken around Run.
	mu sync.Mutex
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecoveryPoll sets how often recovery is re-checked while waiting.
func WithRecoveryPoll(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.recoveryPoll = d }
}

// WithCanaryBucket sets the bucket scenario probe objects land in.
func WithCanaryBucket(bucket string) OrchestratorOption {
	return func(o *Orchestrator) { o.bucket = bucket }
}

// WithOrchestratorLogger adds logging.
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithOrchestratorClock overrides time for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithWait overrides the blocking sleep used while polling for
// recovery. Tests use it to advance a fake clock instead of sleeping.
func WithWait(wait func(time.Duration)) OrchestratorOption {
	return func(o *Orchestrator) { o.wait = wait }
}

// NewOrchestrator wires the orchestrator over the components under test.
func NewOrchestrator(store Store, bus *events.Bus, healthCtl HealthControl,
	breakerCtl BreakerControl, queueCtl QueueControl, storageCtl StorageControl,
	faults FaultInjector, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		bus:          bus,
		health:       healthCtl,
		breaker:      breakerCtl,
		queue:        queueCtl,
		storage:      storageCtl,
		faults:       faults,
		recoveryPoll: 2 * time.Second,
		bucket:       "dr-canary",
		logger:       zap.NewNop(),
		now:          time.Now,
		wait:         time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the named scenario end to end and returns the finished
// test record. Prerequisite failures reject before any test row is
// created; once a test exists it always finishes, cleanup included.
func (o *Orchestrator) Run(ctx context.Context, name string) (*Test, error) {
	scenario, err := o.store.GetScenario(ctx, name)
	if err != nil {
		return nil, err
	}
	if !scenario.Enabled {
		return nil, fmt.Errorf("scenario %s: %w", name, ErrScenarioDisabled)
	}
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	if !o.mu.TryLock() {
		return nil, ErrScenarioRunning
	}
	defer o.mu.Unlock()

	if err := o.checkPrerequisites(ctx, scenario); err != nil {
		return nil, err
	}

	test := &Test{
		ID:           uuid.NewString(),
		ScenarioName: scenario.Name,
		ScenarioType: scenario.Type,
		Status:       TestPending,
		RTOTarget:    scenario.RTOTarget,
		RPOTarget:    scenario.RPOTarget,
		StartedAt:    o.now().UTC(),
	}
	if err := o.store.CreateTest(ctx, test); err != nil {
		return nil, fmt.Errorf("create test for scenario %s: %w", name, err)
	}

	test.Status = TestRunning
	if err := o.store.UpdateTest(ctx, test); err != nil {
		return nil, fmt.Errorf("start test %s: %w", test.ID, err)
	}
	o.publish(ctx, events.TypeDRTestStarted, events.SeverityInfo, scenario.Service, map[string]any{
		"test_id":       test.ID,
		"scenario_name": scenario.Name,
		"scenario_type": scenario.Type,
	})
	o.logger.Info("dr test started",
		zap.String("test_id", test.ID),
		zap.String("scenario", scenario.Name),
		zap.String("type", string(scenario.Type)))

	run := &runContext{orch: o, scenario: scenario, test: test}
	defer o.finish(ctx, run)

	run.log(ctx, "info", "start", "scenario started")
	switch scenario.Type {
	case ScenarioFullOutage:
		o.runFullOutage(ctx, run)
	case ScenarioPartialDegradation:
		o.runPartialDegradation(ctx, run)
	case ScenarioCircuitBreaker:
		o.runCircuitBreaker(ctx, run)
	case ScenarioBackupRestore:
		o.runBackupRestore(ctx, run)
	case ScenarioFailoverMechanism:
		o.runFailoverMechanism(ctx, run)
	case ScenarioPerformanceBenchmark:
		o.runPerformanceBenchmark(ctx, run)
	}

	return test, nil
}

func (o *Orchestrator) checkPrerequisites(ctx context.Context, scenario *Scenario) error {
	for _, prereq := range scenario.Prerequisites {
		switch prereq {
		case PrereqAllHealthy:
			status, err := o.health.Aggregate(ctx)
			if err != nil {
				return fmt.Errorf("check prerequisite %s: %w", prereq, err)
			}
			if status != health.StatusHealthy {
				return &PrerequisiteError{
					Scenario:     scenario.Name,
					Prerequisite: prereq,
					Reason:       fmt.Sprintf("aggregate health is %s", status),
				}
			}
		case PrereqQueueIdle:
			depth, err := o.queue.Depth(ctx)
			if err != nil {
				return fmt.Errorf("check prerequisite %s: %w", prereq, err)
			}
			if depth > 0 {
				return &PrerequisiteError{
					Scenario:     scenario.Name,
					Prerequisite: prereq,
					Reason:       fmt.Sprintf("%d operations pending", depth),
				}
			}
		default:
			return &PrerequisiteError{
				Scenario:     scenario.Name,
				Prerequisite: prereq,
				Reason:       "unknown prerequisite",
			}
		}
	}
	return nil
}

// finish restores the stack, grades the run, and persists the final
// record. It runs even when a scenario panics partway through.
func (o *Orchestrator) finish(ctx context.Context, run *runContext) {
	if r := recover(); r != nil {
		run.log(ctx, "error", "cleanup", fmt.Sprintf("scenario panicked: %v", r))
		run.failed = true
	}

	service := run.scenario.Service
	if service != "" {
		o.faults.Restore(service)
		if err := o.health.ForceRecover(ctx, service); err != nil {
			run.log(ctx, "warning", "cleanup", fmt.Sprintf("force recover failed: %v", err))
		}
		if err := o.breaker.Reset(ctx, service); err != nil {
			run.log(ctx, "warning", "cleanup", fmt.Sprintf("breaker reset failed: %v", err))
		}
	}
	run.log(ctx, "info", "cleanup", "dependency restored")

	test := run.test
	test.Status = TestCompleted
	if run.failed || o.objectiveMissed(test) {
		test.Status = TestFailed
	}
	finished := o.now().UTC()
	test.FinishedAt = &finished

	if err := o.store.UpdateTest(ctx, test); err != nil {
		o.logger.Error("finalize dr test failed",
			zap.String("test_id", test.ID), zap.Error(err))
	}

	metrics.RecordDRTest(string(test.ScenarioType), string(test.Status), test.RTOActual)
	o.publish(ctx, events.TypeDRTestFinished, o.finishSeverity(test), service, map[string]any{
		"test_id":       test.ID,
		"scenario_name": test.ScenarioName,
		"status":        test.Status,
		"rto_actual_ms": test.RTOActual.Milliseconds(),
		"rpo_actual_ms": test.RPOActual.Milliseconds(),
	})
	o.logger.Info("dr test finished",
		zap.String("test_id", test.ID),
		zap.String("status", string(test.Status)),
		zap.Duration("rto_actual", test.RTOActual),
		zap.Duration("rpo_actual", test.RPOActual))
}

// objectiveMissed grades measured RTO/RPO against the scenario targets.
// An unmeasured objective cannot fail the run.
func (o *Orchestrator) objectiveMissed(test *Test) bool {
	if test.RTOMeasured && test.RTOTarget > 0 && test.RTOActual > test.RTOTarget {
		return true
	}
	if test.RPOMeasured && test.RPOTarget > 0 && test.RPOActual > test.RPOTarget {
		return true
	}
	return false
}

func (o *Orchestrator) finishSeverity(test *Test) events.Severity {
	if test.Status == TestFailed {
		return events.SeverityWarning
	}
	return events.SeverityInfo
}

func (o *Orchestrator) publish(ctx context.Context, typ events.Type, severity events.Severity, service string, payload map[string]any) {
	event := events.New(typ, events.CategoryDR, service, severity, payload)
	event.Timestamp = o.now()
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn("publish dr event failed",
			zap.String("type", string(typ)), zap.Error(err))
	}
}

// runContext threads per-run bookkeeping through scenario steps.
type runContext struct {
	orch     *Orchestrator
	scenario *Scenario
	test     *Test
	order    int
	failed   bool
}

// step runs one named scenario step and records its result. A step
// error marks the run failed but never aborts it: later steps and
// cleanup still run so the record shows everything observed.
func (r *runContext) step(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	o := r.orch
	r.order++
	started := o.now()
	err := fn(ctx)
	duration := o.now().Sub(started)

	result := &Result{
		ID:       uuid.NewString(),
		TestID:   r.test.ID,
		Step:     name,
		Order:    r.order,
		Passed:   err == nil,
		Duration: duration,
		At:       o.now().UTC(),
	}
	if err != nil {
		result.Message = err.Error()
		r.failed = true
		r.log(ctx, "error", name, err.Error())
	} else {
		r.log(ctx, "info", name, "step passed")
	}
	if saveErr := o.store.AddResult(ctx, result); saveErr != nil {
		o.logger.Error("record step result failed",
			zap.String("test_id", r.test.ID), zap.String("step", name), zap.Error(saveErr))
	}
	return err == nil
}

func (r *runContext) log(ctx context.Context, level, step, message string) {
	entry := &Log{
		ID:      uuid.NewString(),
		TestID:  r.test.ID,
		Level:   level,
		Step:    step,
		Message: message,
		At:      r.orch.now().UTC(),
	}
	if err := r.orch.store.AddLog(ctx, entry); err != nil {
		r.orch.logger.Error("record test log failed",
			zap.String("test_id", r.test.ID), zap.Error(err))
	}
}

func (r *runContext) metric(ctx context.Context, name string, value float64, unit string) {
	metric := &Metric{
		ID:     uuid.NewString(),
		TestID: r.test.ID,
		Name:   name,
		Value:  value,
		Unit:   unit,
		At:     r.orch.now().UTC(),
	}
	if err := r.orch.store.AddMetric(ctx, metric); err != nil {
		r.orch.logger.Error("record test metric failed",
			zap.String("test_id", r.test.ID), zap.Error(err))
	}
}

func (r *runContext) recordRTO(ctx context.Context, rto time.Duration) {
	r.test.RTOActual = rto
	r.test.RTOMeasured = true
	r.metric(ctx, "rto", float64(rto.Milliseconds()), "ms")
}

func (r *runContext) recordRPO(ctx context.Context, rpo time.Duration) {
	r.test.RPOActual = rpo
	r.test.RPOMeasured = true
	r.metric(ctx, "rpo", float64(rpo.Milliseconds()), "ms")
}
