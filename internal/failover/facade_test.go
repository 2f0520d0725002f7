// internal/failover/facade_test.go
package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/degradation"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/queue"
	"github.com/listforge/failsafe/internal/storage"
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
	facade    *StorageFacade
	objects   *storage.MemoryObjectStore
	cache     *storage.TTLCache
	monitor   *health.Monitor
	breaker   *breaker.Breaker
	queue     *queue.Queue
	processor *queue.Processor
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	bus := events.NewBus(events.NewMemoryStore())

	monitor := health.NewMonitor(health.NewMemoryStore(), bus,
		health.WithThresholds(1, 3),
		health.WithClock(clock.Now))
	brk := breaker.New(breaker.NewMemoryStore(), bus,
		breaker.WithFailureThreshold(3),
		breaker.WithRecoveryTimeout(time.Minute),
		breaker.WithClock(clock.Now))
	q := queue.New(queue.NewMemoryStore(), bus, queue.WithClock(clock.Now))
	handler := degradation.NewHandler(monitor, brk, q, nil)

	objects := storage.NewMemoryObjectStore()
	cache := storage.NewTTLCacheWithClock(clock.Now)
	facade := NewStorageFacade(objects, cache, handler)

	processor := queue.NewProcessor(q)
	RegisterHandlers(processor, objects, brk, nil, nil)

	return &fixture{
		facade:    facade,
		objects:   objects,
		cache:     cache,
		monitor:   monitor,
		breaker:   brk,
		queue:     q,
		processor: processor,
		clock:     clock,
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy path stores the object", func(t *testing.T) {
		f := newFixture(t)

		result := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")

		require.NoError(t, result.Err)
		assert.True(t, result.Success)
		assert.False(t, result.Queued)
		assert.Equal(t, 1, f.objects.Len())
	})

	t.Run("offline dependency defers the write", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, ServiceObjectStore, "outage"))

		result := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")

		require.NoError(t, result.Err)
		assert.False(t, result.Success, "deferred is not success")
		assert.True(t, result.Queued)
		assert.NotEmpty(t, result.OperationID)
		assert.Equal(t, 0, f.objects.Len())
	})

	t.Run("queued upload lands after recovery", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, ServiceObjectStore, "outage"))

		result := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")
		require.True(t, result.Queued)

		require.NoError(t, f.monitor.ForceRecover(ctx, ServiceObjectStore))
		f.processor.Drain(ctx)

		assert.Equal(t, 1, f.objects.Len())
		op, err := f.queue.Get(ctx, result.OperationID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, op.Status)

		download := f.facade.Download(ctx, "files", "a.csv")
		require.NoError(t, download.Err)
		assert.Equal(t, []byte("col1"), download.Data)
	})
}

func TestDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("missing object surfaces the error", func(t *testing.T) {
		f := newFixture(t)

		result := f.facade.Download(ctx, "files", "missing")

		require.Error(t, result.Err)
		assert.ErrorIs(t, result.Err, storage.ErrNotFound)
		assert.False(t, result.Success)
	})

	t.Run("offline dependency serves stale cache", func(t *testing.T) {
		f := newFixture(t)

		up := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")
		require.True(t, up.Success)
		down := f.facade.Download(ctx, "files", "a.csv")
		require.True(t, down.Success)

		require.NoError(t, f.monitor.ForceDegrade(ctx, ServiceObjectStore, "outage"))
		f.objects.FailWith(errors.New("endpoint down"))

		result := f.facade.Download(ctx, "files", "a.csv")

		require.NoError(t, result.Err)
		assert.False(t, result.Success)
		assert.True(t, result.Degraded, "stale data must be marked degraded")
		assert.Equal(t, []byte("col1"), result.Data)
	})

	t.Run("offline with no cached copy reports error", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ForceDegrade(ctx, ServiceObjectStore, "outage"))

		result := f.facade.Download(ctx, "files", "never-seen")

		require.Error(t, result.Err)
		assert.False(t, result.Degraded)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy path removes object and cache entry", func(t *testing.T) {
		f := newFixture(t)
		up := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")
		require.True(t, up.Success)

		result := f.facade.Delete(ctx, "files", "a.csv", "user-1", "f1")

		require.NoError(t, result.Err)
		assert.True(t, result.Success)
		assert.Equal(t, 0, f.objects.Len())
		_, err := f.cache.GetStale(ctx, "files/a.csv")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("open breaker defers the delete", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.breaker.ForceOpen(ctx, ServiceObjectStore))

		result := f.facade.Delete(ctx, "files", "a.csv", "user-1", "f1")

		require.NoError(t, result.Err)
		assert.True(t, result.Queued)

		ops, err := f.queue.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, queue.TypeDeleteFile, ops[0].Type)
		assert.Equal(t, queue.PriorityLow, ops[0].Priority)
	})
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy store leaves nothing behind", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.facade.Probe(ctx, "files"))

		assert.Equal(t, 0, f.objects.Len())
		depth, err := f.queue.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("broken store fails without deferring", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("endpoint down")
		f.objects.FailWith(boom)

		err := f.facade.Probe(ctx, "files")

		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		depth, derr := f.queue.Depth(ctx)
		require.NoError(t, derr)
		assert.Zero(t, depth, "a probe must never queue deferred work")
	})
}

func TestReplicationHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	up := f.facade.Upload(ctx, "files", "a.csv", []byte("col1"), "user-1", "f1")
	require.True(t, up.Success)

	_, err := f.queue.Enqueue(ctx, queue.ReplicateFilePayload{
		Bucket: "files", Key: "a.csv", TargetBucket: "files-replica",
	})
	require.NoError(t, err)
	f.processor.Drain(ctx)

	keys, err := f.objects.List(ctx, "files-replica", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv"}, keys)
}
