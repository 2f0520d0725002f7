// internal/drtest/scenarios.go
package drtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/health"
)

// runFullOutage takes the dependency fully offline, confirms writes
// defer instead of failing, then restores it and measures how long the
// system takes to accept fresh writes again. Data loss is measured, not
// assumed: the deferred canary either drains durably (RPO zero) or the
// outage window counts as lost.
func (o *Orchestrator) runFullOutage(ctx context.Context, run *runContext) {
	service := run.scenario.Service
	canaryKey := "outage-" + uuid.NewString()

	run.step(ctx, "break dependency", func(ctx context.Context) error {
		o.faults.Break(service)
		return o.health.ForceDegrade(ctx, service, "dr full outage")
	})

	run.step(ctx, "verify writes deferred", func(ctx context.Context) error {
		res := o.storage.Upload(ctx, o.bucket, canaryKey, []byte("deferred during outage"), "", "")
		if res.Success {
			return errors.New("write executed against a broken dependency")
		}
		if !res.Queued {
			return fmt.Errorf("write neither executed nor deferred: %v", res.Err)
		}
		return nil
	})

	run.step(ctx, "verify no fresh reads", func(ctx context.Context) error {
		res := o.storage.Download(ctx, o.bucket, canaryKey)
		if res.Success && !res.Degraded {
			return errors.New("fresh read served during outage")
		}
		return nil
	})

	run.step(ctx, "restore dependency", func(ctx context.Context) error {
		return o.restore(ctx, service)
	})

	var rto time.Duration
	run.step(ctx, "measure recovery", func(ctx context.Context) error {
		recovered := false
		rto, recovered = o.awaitRecovery(ctx, run)
		run.recordRTO(ctx, rto)
		if !recovered {
			run.log(ctx, "warning", "measure recovery",
				"recovery not observed within timeout; rto capped at the timeout ceiling")
		}
		return nil
	})

	run.step(ctx, "measure data loss", func(ctx context.Context) error {
		drained := o.queue.Drain(ctx)
		run.metric(ctx, "drained_operations", float64(drained), "count")
		res := o.storage.Download(ctx, o.bucket, canaryKey)
		if res.Success && !res.Degraded {
			run.recordRPO(ctx, 0)
		} else {
			run.recordRPO(ctx, rto)
		}
		return nil
	})
}

// runPartialDegradation degrades the dependency without breaking it and
// confirms traffic keeps flowing while the status reflects reality.
func (o *Orchestrator) runPartialDegradation(ctx context.Context, run *runContext) {
	service := run.scenario.Service
	key := "degraded-" + uuid.NewString()

	// Feed real probe failures until the status crosses into DEGRADED.
	// Stopping at the first transition keeps the service short of
	// OFFLINE regardless of how the thresholds are configured.
	const maxDegradeAttempts = 25
	run.step(ctx, "degrade dependency", func(ctx context.Context) error {
		for i := 0; i < maxDegradeAttempts; i++ {
			err := o.health.ReportResult(ctx, service, 0, errors.New("dr partial degradation probe"))
			if err != nil {
				return err
			}
			rec, err := o.health.Current(ctx, service)
			if err != nil {
				return err
			}
			if rec.Status == health.StatusDegraded {
				return nil
			}
			if rec.Status == health.StatusOffline {
				return errors.New("service went offline before degrading")
			}
		}
		return fmt.Errorf("service never degraded after %d failed probes", maxDegradeAttempts)
	})

	run.step(ctx, "verify traffic continues", func(ctx context.Context) error {
		if res := o.storage.Upload(ctx, o.bucket, key, []byte("written while degraded"), "", ""); !res.Success {
			return fmt.Errorf("write rejected while degraded: %v", res.Err)
		}
		res := o.storage.Download(ctx, o.bucket, key)
		if !res.Success {
			return fmt.Errorf("read rejected while degraded: %v", res.Err)
		}
		return nil
	})

	recoveryStart := o.now()
	run.step(ctx, "recover dependency", func(ctx context.Context) error {
		// One successful probe must reset the streak entirely.
		return o.health.ReportResult(ctx, service, 5*time.Millisecond, nil)
	})

	run.step(ctx, "verify status healthy", func(ctx context.Context) error {
		rec, err := o.health.Current(ctx, service)
		if err != nil {
			return err
		}
		if rec.Status != health.StatusHealthy {
			return fmt.Errorf("status is %s, want %s", rec.Status, health.StatusHealthy)
		}
		run.recordRTO(ctx, o.now().Sub(recoveryStart))
		return nil
	})
}

// runCircuitBreaker walks the breaker through a full
// CLOSED→OPEN→HALF_OPEN→CLOSED cycle using recorded outcomes.
func (o *Orchestrator) runCircuitBreaker(ctx context.Context, run *runContext) {
	service := run.scenario.Service
	// Enough failures to trip any sane threshold.
	const maxTripAttempts = 25

	var rec *breaker.Record
	run.step(ctx, "trip breaker", func(ctx context.Context) error {
		for i := 0; i < maxTripAttempts; i++ {
			if err := o.breaker.RecordFailure(ctx, service); err != nil {
				return err
			}
			current, err := o.breaker.CurrentState(ctx, service)
			if err != nil {
				return err
			}
			if current.State == breaker.StateOpen {
				rec = current
				run.metric(ctx, "failures_to_open", float64(i+1), "count")
				return nil
			}
		}
		return fmt.Errorf("breaker did not open after %d failures", maxTripAttempts)
	})

	run.step(ctx, "verify calls short-circuited", func(ctx context.Context) error {
		allowed, err := o.breaker.Allow(ctx, service)
		if err != nil {
			return err
		}
		if allowed {
			return errors.New("open breaker allowed a call")
		}
		return nil
	})

	var recoveryStart time.Time
	run.step(ctx, "wait out recovery timeout", func(ctx context.Context) error {
		if rec == nil {
			return errors.New("breaker never opened")
		}
		o.wait(rec.RecoveryTimeout + o.recoveryPoll)
		recoveryStart = o.now()
		return nil
	})

	run.step(ctx, "verify half-open trial", func(ctx context.Context) error {
		allowed, err := o.breaker.Allow(ctx, service)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.New("breaker refused the trial call after the recovery timeout")
		}
		return nil
	})

	run.step(ctx, "close breaker", func(ctx context.Context) error {
		if err := o.breaker.RecordSuccess(ctx, service); err != nil {
			return err
		}
		current, err := o.breaker.CurrentState(ctx, service)
		if err != nil {
			return err
		}
		if current.State != breaker.StateClosed {
			return fmt.Errorf("breaker is %s after trial success, want %s",
				current.State, breaker.StateClosed)
		}
		run.recordRTO(ctx, o.now().Sub(recoveryStart))
		return nil
	})
}

// runBackupRestore loses an object on purpose and restores it from a
// copy captured beforehand.
func (o *Orchestrator) runBackupRestore(ctx context.Context, run *runContext) {
	key := "backup-" + uuid.NewString()
	payload := []byte("backup restore canary " + uuid.NewString())

	run.step(ctx, "seed object", func(ctx context.Context) error {
		if res := o.storage.Upload(ctx, o.bucket, key, payload, "", ""); !res.Success {
			return fmt.Errorf("seed write failed: %v", res.Err)
		}
		return nil
	})

	var backup []byte
	run.step(ctx, "capture backup", func(ctx context.Context) error {
		res := o.storage.Download(ctx, o.bucket, key)
		if !res.Success {
			return fmt.Errorf("backup read failed: %v", res.Err)
		}
		backup = res.Data
		return nil
	})

	run.step(ctx, "simulate data loss", func(ctx context.Context) error {
		if res := o.storage.Delete(ctx, o.bucket, key, "", ""); !res.Success {
			return fmt.Errorf("delete failed: %v", res.Err)
		}
		if res := o.storage.Download(ctx, o.bucket, key); res.Success {
			return errors.New("object still readable after deletion")
		}
		return nil
	})

	recoveryStart := o.now()
	run.step(ctx, "restore from backup", func(ctx context.Context) error {
		if backup == nil {
			return errors.New("no backup captured")
		}
		if res := o.storage.Upload(ctx, o.bucket, key, backup, "", ""); !res.Success {
			return fmt.Errorf("restore write failed: %v", res.Err)
		}
		return nil
	})

	run.step(ctx, "verify restored object", func(ctx context.Context) error {
		res := o.storage.Download(ctx, o.bucket, key)
		if !res.Success {
			return fmt.Errorf("restored read failed: %v", res.Err)
		}
		if !bytes.Equal(res.Data, payload) {
			return errors.New("restored object does not match the original")
		}
		run.recordRTO(ctx, o.now().Sub(recoveryStart))
		run.recordRPO(ctx, 0)
		return nil
	})
}

// runFailoverMechanism checks the degraded-read and deferred-write
// paths end to end: stale cache serves reads during the fault, deferred
// writes land once the dependency returns.
func (o *Orchestrator) runFailoverMechanism(ctx context.Context, run *runContext) {
	service := run.scenario.Service
	cachedKey := "failover-cached-" + uuid.NewString()
	deferredKey := "failover-deferred-" + uuid.NewString()
	cachedPayload := []byte("cached before the fault")

	run.step(ctx, "prime cache", func(ctx context.Context) error {
		if res := o.storage.Upload(ctx, o.bucket, cachedKey, cachedPayload, "", ""); !res.Success {
			return fmt.Errorf("priming write failed: %v", res.Err)
		}
		return nil
	})

	run.step(ctx, "break dependency", func(ctx context.Context) error {
		o.faults.Break(service)
		return o.health.ForceDegrade(ctx, service, "dr failover mechanism")
	})

	run.step(ctx, "verify stale reads served", func(ctx context.Context) error {
		res := o.storage.Download(ctx, o.bucket, cachedKey)
		if !res.Success {
			return fmt.Errorf("no fallback read during fault: %v", res.Err)
		}
		if !res.Degraded {
			return errors.New("fallback read not marked degraded")
		}
		if !bytes.Equal(res.Data, cachedPayload) {
			return errors.New("fallback read returned wrong data")
		}
		return nil
	})

	run.step(ctx, "verify writes deferred", func(ctx context.Context) error {
		res := o.storage.Upload(ctx, o.bucket, deferredKey, []byte("deferred during fault"), "", "")
		if !res.Queued {
			return fmt.Errorf("write not deferred: %v", res.Err)
		}
		return nil
	})

	run.step(ctx, "restore dependency", func(ctx context.Context) error {
		return o.restore(ctx, service)
	})

	run.step(ctx, "verify deferred write lands", func(ctx context.Context) error {
		rto, recovered := o.awaitRecovery(ctx, run)
		run.recordRTO(ctx, rto)
		if !recovered {
			return errors.New("dependency did not recover within the timeout")
		}
		o.queue.Drain(ctx)
		res := o.storage.Download(ctx, o.bucket, deferredKey)
		if !res.Success || res.Degraded {
			run.recordRPO(ctx, rto)
			return fmt.Errorf("deferred write never landed: %v", res.Err)
		}
		run.recordRPO(ctx, 0)
		return nil
	})
}

// runPerformanceBenchmark measures the healthy path, no faults
// injected. Objectives are reported as metrics only.
func (o *Orchestrator) runPerformanceBenchmark(ctx context.Context, run *runContext) {
	iterations := run.scenario.Iterations
	if iterations <= 0 {
		iterations = 10
	}

	run.step(ctx, "run benchmark", func(ctx context.Context) error {
		var failures int
		var total, worst time.Duration
		payload := []byte("benchmark payload")

		for i := 0; i < iterations; i++ {
			key := fmt.Sprintf("bench-%d-%s", i, uuid.NewString())
			started := o.now()
			up := o.storage.Upload(ctx, o.bucket, key, payload, "", "")
			down := o.storage.Download(ctx, o.bucket, key)
			elapsed := o.now().Sub(started)

			if !up.Success || !down.Success {
				failures++
			}
			total += elapsed
			if elapsed > worst {
				worst = elapsed
			}
		}

		run.metric(ctx, "operations", float64(iterations*2), "count")
		run.metric(ctx, "failures", float64(failures), "count")
		run.metric(ctx, "mean_roundtrip", float64(total.Milliseconds())/float64(iterations), "ms")
		run.metric(ctx, "max_roundtrip", float64(worst.Milliseconds()), "ms")

		if failures > 0 {
			return fmt.Errorf("%d of %d iterations failed", failures, iterations)
		}
		return nil
	})
}

// restore undoes the fault and clears forced state so recovery can be
// observed. Cleanup repeats this, so it must be idempotent.
func (o *Orchestrator) restore(ctx context.Context, service string) error {
	o.faults.Restore(service)
	if err := o.health.ForceRecover(ctx, service); err != nil {
		return err
	}
	return o.breaker.Reset(ctx, service)
}

// awaitRecovery polls a direct write probe until it lands or the
// scenario's recovery timeout elapses. The returned duration is capped
// at the timeout so a dead dependency still yields a measurement. The
// probe bypasses failover and cleans up after itself, so polling leaves
// neither queued writes nor objects behind.
func (o *Orchestrator) awaitRecovery(ctx context.Context, run *runContext) (time.Duration, bool) {
	timeout := run.scenario.RecoveryTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	start := o.now()
	for {
		if err := o.storage.Probe(ctx, o.bucket); err == nil {
			return o.now().Sub(start), true
		}
		if o.now().Sub(start) >= timeout {
			return timeout, false
		}
		select {
		case <-ctx.Done():
			return timeout, false
		default:
		}
		o.wait(o.recoveryPoll)
	}
}
