// internal/health/monitor_test.go
package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listforge/failsafe/internal/events"
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

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *fakeClock, *events.MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	eventStore := events.NewMemoryStore()
	base := []Option{
		WithThresholds(1, 3),
		WithProbeTimeout(50 * time.Millisecond),
		WithClock(clock.Now),
	}
	m := NewMonitor(NewMemoryStore(), events.NewBus(eventStore), append(base, opts...)...)
	return m, clock, eventStore
}

func report(t *testing.T, m *Monitor, service string, errs ...error) {
	t.Helper()
	for _, err := range errs {
		require.NoError(t, m.ReportResult(context.Background(), service, 10*time.Millisecond, err))
	}
}

func TestStatusDerivation(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	t.Run("three consecutive failures go offline", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)

		report(t, m, "object-store", boom)
		rec, err := m.Current(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, rec.Status)

		report(t, m, "object-store", boom, boom)
		rec, err = m.Current(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, StatusOffline, rec.Status)
		assert.Equal(t, 3, rec.Metrics.ConsecutiveFailures)
	})

	t.Run("one success resets to healthy", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)

		report(t, m, "object-store", boom, boom, boom)
		report(t, m, "object-store", nil)

		rec, err := m.Current(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, StatusHealthy, rec.Status)
		assert.Equal(t, 0, rec.Metrics.ConsecutiveFailures)
		assert.Equal(t, 0, rec.FailureCount)
		assert.Empty(t, rec.Metrics.LastError)
	})

	t.Run("exactly one event per status change", func(t *testing.T) {
		m, _, eventStore := newTestMonitor(t)

		// DEGRADED, then two more failures: only the OFFLINE edge emits.
		report(t, m, "cache", boom, boom, boom, boom, boom)

		recorded, err := eventStore.RecentByService(ctx, "cache", 50)
		require.NoError(t, err)

		changes := 0
		for _, e := range recorded {
			if e.Type == events.TypeStatusChanged {
				changes++
			}
		}
		assert.Equal(t, 2, changes, "HEALTHY->DEGRADED and DEGRADED->OFFLINE only")
	})
}

func TestRunProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout counts as failure", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		m.RunProbe(ctx, ProbeFunc{
			ServiceName: "slow",
			Fn: func(context.Context) error {
				time.Sleep(500 * time.Millisecond)
				return nil
			},
		})

		rec, err := m.Current(ctx, "slow")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Metrics.ConsecutiveFailures)
		assert.Contains(t, rec.Metrics.LastError, "timeout")
	})

	t.Run("panic converts to failure", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		m.RunProbe(ctx, ProbeFunc{
			ServiceName: "panicky",
			Fn:          func(context.Context) error { panic("nil map write") },
		})

		rec, err := m.Current(ctx, "panicky")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Metrics.ConsecutiveFailures)
		assert.Contains(t, rec.Metrics.LastError, "panic")
	})
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m, _, _ := newTestMonitor(t)

	report(t, m, "a", nil)
	report(t, m, "b", boom)

	agg, err := m.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, agg)

	report(t, m, "c", boom, boom, boom)
	agg, err = m.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, agg, "worst-of wins")
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("no transitions means fully available", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		report(t, m, "svc", nil)

		pct, err := m.Availability(ctx, "svc", time.Hour)
		require.NoError(t, err)
		assert.InDelta(t, 100, pct, 0.01)
	})

	t.Run("offline time reduces availability", func(t *testing.T) {
		m, clock, _ := newTestMonitor(t)

		report(t, m, "svc", nil)
		clock.Advance(30 * time.Minute)
		report(t, m, "svc", boom, boom, boom) // offline at t+30m
		clock.Advance(15 * time.Minute)
		report(t, m, "svc", nil) // recovered at t+45m
		clock.Advance(15 * time.Minute)

		pct, err := m.Availability(ctx, "svc", time.Hour)
		require.NoError(t, err)
		// 15 of 60 minutes offline.
		assert.InDelta(t, 75, pct, 1.0)
	})
}

func TestTrend(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("degrading", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		report(t, m, "svc", nil, boom, boom, boom)

		trend, err := m.TrendFor(ctx, "svc")
		require.NoError(t, err)
		assert.Equal(t, TrendDegrading, trend)
	})

	t.Run("improving", func(t *testing.T) {
		m, _, _ := newTestMonitor(t, WithTrendTransitions(2))
		report(t, m, "svc", boom, boom, boom)
		report(t, m, "svc", nil)

		// Newest two transitions: DEGRADED->OFFLINE then OFFLINE->HEALTHY.
		trend, err := m.TrendFor(ctx, "svc")
		require.NoError(t, err)
		assert.Equal(t, TrendImproving, trend)
	})

	t.Run("stable with no transitions", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		report(t, m, "svc", nil, nil, nil)

		trend, err := m.TrendFor(ctx, "svc")
		require.NoError(t, err)
		assert.Equal(t, TrendStable, trend)
	})
}

func TestForceHooks(t *testing.T) {
	ctx := context.Background()
	m, _, eventStore := newTestMonitor(t)

	report(t, m, "svc", nil)
	require.NoError(t, m.ForceDegrade(ctx, "svc", "dr drill"))

	rec, err := m.Current(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, rec.Status)
	assert.Equal(t, "dr drill", rec.DegradationReason)

	require.NoError(t, m.ForceRecover(ctx, "svc"))
	rec, err = m.Current(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 0, rec.Metrics.ConsecutiveFailures)

	recorded, err := eventStore.RecentByService(ctx, "svc", 50)
	require.NoError(t, err)
	forced := 0
	for _, e := range recorded {
		if e.Type == events.TypeServiceForced {
			forced++
		}
	}
	assert.Equal(t, 2, forced)
}

func TestSubscribers(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	boom := errors.New("boom")

	type change struct{ from, to Status }
	seen := make(chan change, 10)
	m.Subscribe(func(_ string, from, to Status) {
		seen <- change{from, to}
	})

	report(t, m, "svc", boom)

	select {
	case c := <-seen:
		assert.Equal(t, StatusHealthy, c.from)
		assert.Equal(t, StatusDegraded, c.to)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}
