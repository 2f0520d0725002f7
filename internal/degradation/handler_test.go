// internal/degradation/handler_test.go
package degradation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	handler  *Handler
	monitor  *health.Monitor
	breaker  *breaker.Breaker
	queue    *queue.Queue
	readOnly *ReadOnlyController
	clock    *fakeClock
	events   *events.MemoryStore
}

func newFixture(t *testing.T, queueOpts ...queue.Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	eventStore := events.NewMemoryStore()
	bus := events.NewBus(eventStore)

	monitor := health.NewMonitor(health.NewMemoryStore(), bus,
		health.WithThresholds(1, 3),
		health.WithClock(clock.Now))
	brk := breaker.New(breaker.NewMemoryStore(), bus,
		breaker.WithFailureThreshold(3),
		breaker.WithRecoveryTimeout(time.Minute),
		breaker.WithClock(clock.Now))
	q := queue.New(queue.NewMemoryStore(), bus,
		append([]queue.Option{queue.WithClock(clock.Now)}, queueOpts...)...)
	readOnly := NewReadOnlyController(NewMemoryFlagStore(), monitor, bus,
		[]string{"object-store"},
		WithGrace(2*time.Minute),
		WithCooldown(5*time.Minute),
		WithReadOnlyClock(clock.Now))

	return &fixture{
		handler:  NewHandler(monitor, brk, q, readOnly),
		monitor:  monitor,
		breaker:  brk,
		queue:    q,
		readOnly: readOnly,
		clock:    clock,
		events:   eventStore,
	}
}

func uploadRequest(calls *int) Request {
	return Request{
		Service: "object-store",
		Write:   true,
		Primary: func(context.Context) error {
			*calls++
			return nil
		},
		Payload: queue.UploadFilePayload{Bucket: "files", Key: "a.csv", Data: []byte("x")},
		UserID:  "user-1",
	}
}

func TestExecuteWithFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy service executes primary", func(t *testing.T) {
		f := newFixture(t)
		calls := 0

		outcome := f.handler.ExecuteWithFailover(ctx, uploadRequest(&calls))

		require.NoError(t, outcome.Err)
		assert.True(t, outcome.Executed)
		assert.False(t, outcome.Queued)
		assert.Equal(t, 1, calls)
	})

	t.Run("never invokes primary while breaker open", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.breaker.ForceOpen(ctx, "object-store"))
		calls := 0

		outcome := f.handler.ExecuteWithFailover(ctx, uploadRequest(&calls))

		require.NoError(t, outcome.Err)
		assert.True(t, outcome.Queued)
		assert.NotEmpty(t, outcome.OperationID)
		assert.Equal(t, 0, calls, "primary must not run while OPEN")
	})

	t.Run("never invokes primary while offline", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, "object-store", "drill"))
		calls := 0

		outcome := f.handler.ExecuteWithFailover(ctx, uploadRequest(&calls))

		require.NoError(t, outcome.Err)
		assert.True(t, outcome.Queued)
		assert.Equal(t, 0, calls)
	})

	t.Run("isolated failure surfaces to caller", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("write refused")

		outcome := f.handler.ExecuteWithFailover(ctx, Request{
			Service: "object-store",
			Write:   true,
			Primary: func(context.Context) error { return boom },
			Payload: queue.UploadFilePayload{Bucket: "files", Key: "a"},
		})

		assert.ErrorIs(t, outcome.Err, boom)
		assert.False(t, outcome.Queued)

		depth, err := f.queue.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, depth, "isolated failures are not queued")
	})

	t.Run("failure that opens the circuit queues the write", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("write refused")
		req := Request{
			Service: "object-store",
			Write:   true,
			Primary: func(context.Context) error { return boom },
			Payload: queue.UploadFilePayload{Bucket: "files", Key: "a"},
		}

		first := f.handler.ExecuteWithFailover(ctx, req)
		second := f.handler.ExecuteWithFailover(ctx, req)
		assert.ErrorIs(t, first.Err, boom)
		assert.ErrorIs(t, second.Err, boom)

		// Third failure reaches the threshold and opens the circuit.
		third := f.handler.ExecuteWithFailover(ctx, req)
		require.NoError(t, third.Err)
		assert.True(t, third.Queued)

		rec, err := f.breaker.CurrentState(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, breaker.StateOpen, rec.State)
	})

	t.Run("read falls back when offline", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, "object-store", "drill"))

		served := false
		outcome := f.handler.ExecuteWithFailover(ctx, Request{
			Service: "object-store",
			Primary: func(context.Context) error { return errors.New("unreachable") },
			Fallback: func(context.Context) error {
				served = true
				return nil
			},
		})

		require.NoError(t, outcome.Err)
		assert.True(t, outcome.Degraded)
		assert.True(t, served)
	})

	t.Run("nothing to degrade to reports unavailable", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, "object-store", "drill"))

		outcome := f.handler.ExecuteWithFailover(ctx, Request{
			Service: "object-store",
			Primary: func(context.Context) error { return nil },
		})

		var unavailable *UnavailableError
		require.ErrorAs(t, outcome.Err, &unavailable)
		assert.Equal(t, "object-store", unavailable.Service)
	})

	t.Run("queue at capacity surfaces the capacity error", func(t *testing.T) {
		f := newFixture(t, queue.WithMaxSize(1))
		require.NoError(t, f.monitor.ForceDegrade(ctx, "object-store", "drill"))

		calls := 0
		first := f.handler.ExecuteWithFailover(ctx, uploadRequest(&calls))
		require.NoError(t, first.Err)
		require.True(t, first.Queued)

		second := f.handler.ExecuteWithFailover(ctx, uploadRequest(&calls))
		assert.True(t, queue.IsCapacityError(second.Err))
	})
}

func TestReadOnlyMode(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")

	failFor := func(t *testing.T, f *fixture, d time.Duration) {
		t.Helper()
		step := 30 * time.Second
		for elapsed := time.Duration(0); elapsed <= d; elapsed += step {
			require.NoError(t, f.monitor.ReportResult(ctx, "object-store", time.Millisecond, boom))
			f.clock.Advance(step)
		}
	}

	t.Run("engages after grace period and queues writes", func(t *testing.T) {
		f := newFixture(t)

		failFor(t, f, time.Minute)
		require.NoError(t, f.readOnly.Evaluate(ctx))
		active, err := f.readOnly.Active(ctx)
		require.NoError(t, err)
		assert.False(t, active, "still inside grace period")

		failFor(t, f, 2*time.Minute)
		require.NoError(t, f.readOnly.Evaluate(ctx))
		active, err = f.readOnly.Active(ctx)
		require.NoError(t, err)
		assert.True(t, active)

		// Writes against a different, healthy service still defer.
		calls := 0
		outcome := f.handler.ExecuteWithFailover(ctx, Request{
			Service: "thumbnailer",
			Write:   true,
			Primary: func(context.Context) error {
				calls++
				return nil
			},
			Payload: queue.NotifyUserPayload{UserID: "u", Message: "m", Severity: "info"},
		})
		require.NoError(t, outcome.Err)
		assert.True(t, outcome.Queued)
		assert.Equal(t, 0, calls)
	})

	t.Run("emits entry event once", func(t *testing.T) {
		f := newFixture(t)
		failFor(t, f, 3*time.Minute)

		require.NoError(t, f.readOnly.Evaluate(ctx))
		require.NoError(t, f.readOnly.Evaluate(ctx))
		require.NoError(t, f.readOnly.Evaluate(ctx))

		recorded, err := f.events.Recent(ctx, 100)
		require.NoError(t, err)
		entries := 0
		for _, e := range recorded {
			if e.Type == events.TypeReadOnlyEntered {
				entries++
			}
		}
		assert.Equal(t, 1, entries)
	})

	t.Run("releases after sustained healthy cooldown", func(t *testing.T) {
		f := newFixture(t)
		failFor(t, f, 3*time.Minute)
		require.NoError(t, f.readOnly.Evaluate(ctx))

		// Recovery: healthy probes, but cooldown not yet served.
		require.NoError(t, f.monitor.ReportResult(ctx, "object-store", time.Millisecond, nil))
		f.clock.Advance(time.Minute)
		require.NoError(t, f.readOnly.Evaluate(ctx))
		active, err := f.readOnly.Active(ctx)
		require.NoError(t, err)
		assert.True(t, active, "cooldown not yet served")

		f.clock.Advance(5 * time.Minute)
		require.NoError(t, f.readOnly.Evaluate(ctx))
		active, err = f.readOnly.Active(ctx)
		require.NoError(t, err)
		assert.False(t, active)

		recorded, err := f.events.Recent(ctx, 100)
		require.NoError(t, err)
		exits := 0
		for _, e := range recorded {
			if e.Type == events.TypeReadOnlyExited {
				exits++
			}
		}
		assert.Equal(t, 1, exits)
	})
}
