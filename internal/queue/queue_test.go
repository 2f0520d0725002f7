// internal/queue/queue_test.go
package queue

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

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock, *events.MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	eventStore := events.NewMemoryStore()
	base := []Option{
		WithMaxRetries(3),
		WithBaseDelay(time.Second),
		WithClock(clock.Now),
	}
	q := New(NewMemoryStore(), events.NewBus(eventStore), append(base, opts...)...)
	return q, clock, eventStore
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("persists pending item and returns id", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		id, err := q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "a.csv"},
			WithOwner("user-1", "file-9"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, TypeDeleteFile, op.Type)
		assert.Equal(t, PriorityNormal, op.Priority)
		assert.Equal(t, 3, op.MaxRetries)
		assert.Equal(t, "user-1", op.UserID)
	})

	t.Run("rejects at capacity without persisting", func(t *testing.T) {
		q, _, _ := newTestQueue(t, WithMaxSize(2))

		_, err := q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "a"})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "b"})
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "c"})
		require.Error(t, err)
		assert.True(t, IsCapacityError(err))

		var capErr *CapacityError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, 2, capErr.Size)
		assert.Equal(t, 2, capErr.Max)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth, "rejected item must not be persisted")
	})

	t.Run("concurrent enqueues never exceed the bound", func(t *testing.T) {
		q, _, _ := newTestQueue(t, WithMaxSize(1))

		const workers = 8
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "k"})
			}(i)
		}
		wg.Wait()

		accepted, rejected := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				accepted++
			case IsCapacityError(err):
				rejected++
			default:
				t.Fatalf("unexpected enqueue error: %v", err)
			}
		}
		assert.Equal(t, 1, accepted, "exactly one enqueue wins the single slot")
		assert.Equal(t, workers-1, rejected)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("emits queued event", func(t *testing.T) {
		q, _, eventStore := newTestQueue(t)

		_, err := q.Enqueue(ctx, NotifyUserPayload{UserID: "u", Message: "hi", Severity: "info"})
		require.NoError(t, err)

		recorded, err := eventStore.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recorded, 1)
		assert.Equal(t, events.TypeOperationQueued, recorded[0].Type)
	})
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, DeleteFilePayload{Key: "low"}, WithPriority(PriorityLow))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, DeleteFilePayload{Key: "high"}, WithPriority(PriorityHigh))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, DeleteFilePayload{Key: "normal"})
	require.NoError(t, err)

	ops, err := q.store.Claim(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	keys := make([]string, 0, 3)
	for _, op := range ops {
		payload, err := DecodePayload(op.Type, op.Payload)
		require.NoError(t, err)
		keys = append(keys, payload.(DeleteFilePayload).Key)
	}
	assert.Equal(t, []string{"high", "normal", "low"}, keys)
}

func TestProcessorRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("fails twice then completes with retry count two", func(t *testing.T) {
		q, clock, _ := newTestQueue(t)
		p := NewProcessor(q)

		attempts := 0
		p.Register(TypeUploadFile, func(context.Context, Operation, Payload) error {
			attempts++
			if attempts < 3 {
				return errors.New("store unreachable")
			}
			return nil
		})

		id, err := q.Enqueue(ctx, UploadFilePayload{Bucket: "files", Key: "a", Data: []byte("x")})
		require.NoError(t, err)

		// Attempt 1 fails; retry waits baseDelay * 2^1.
		p.Drain(ctx)
		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, 1, op.RetryCount)
		assert.Equal(t, clock.Now().Add(2*time.Second), op.ScheduledAt)

		// Not due yet: nothing dispatches before scheduled_at.
		clock.Advance(time.Second)
		p.Drain(ctx)
		assert.Equal(t, 1, attempts)

		// Attempt 2 fails; retry waits baseDelay * 2^2.
		clock.Advance(time.Second)
		p.Drain(ctx)
		op, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, op.RetryCount)
		assert.Equal(t, clock.Now().Add(4*time.Second), op.ScheduledAt)

		// Attempt 3 succeeds.
		clock.Advance(4 * time.Second)
		p.Drain(ctx)
		op, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, op.Status)
		assert.Equal(t, 2, op.RetryCount)
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausted retries end failed exactly once", func(t *testing.T) {
		q, clock, eventStore := newTestQueue(t)
		p := NewProcessor(q)
		p.Register(TypeUploadFile, func(context.Context, Operation, Payload) error {
			return errors.New("still broken")
		})

		id, err := q.Enqueue(ctx, UploadFilePayload{Bucket: "files", Key: "a"},
			WithOwner("user-1", ""))
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			p.Drain(ctx)
			clock.Advance(time.Minute)
		}

		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, op.Status)
		assert.Equal(t, op.MaxRetries, op.RetryCount)
		assert.Contains(t, op.LastError, "still broken")

		recorded, err := eventStore.Recent(ctx, 50)
		require.NoError(t, err)
		failures := 0
		for _, e := range recorded {
			if e.Type == events.TypeOperationFailed {
				failures++
			}
		}
		assert.Equal(t, 1, failures)
	})

	t.Run("handler panic counts as failure", func(t *testing.T) {
		q, _, _ := newTestQueue(t)
		p := NewProcessor(q)
		p.Register(TypeDeleteFile, func(context.Context, Operation, Payload) error {
			panic("nil pointer")
		})

		id, err := q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "a"})
		require.NoError(t, err)

		p.Drain(ctx)

		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, 1, op.RetryCount)
		assert.Contains(t, op.LastError, "panic")
	})

	t.Run("missing handler fails terminally", func(t *testing.T) {
		q, _, _ := newTestQueue(t)
		p := NewProcessor(q)

		id, err := q.Enqueue(ctx, ReplicateFilePayload{Bucket: "files", Key: "a"})
		require.NoError(t, err)

		p.Drain(ctx)

		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, op.Status)
		assert.Contains(t, op.LastError, "no handler")
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	t.Run("pending item cancels", func(t *testing.T) {
		id, err := q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "a"})
		require.NoError(t, err)

		require.NoError(t, q.Cancel(ctx, id))

		op, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, op.Status)
	})

	t.Run("terminal item rejects cancel", func(t *testing.T) {
		p := NewProcessor(q)
		p.Register(TypeDeleteFile, func(context.Context, Operation, Payload) error { return nil })

		id, err := q.Enqueue(ctx, DeleteFilePayload{Bucket: "files", Key: "b"})
		require.NoError(t, err)
		p.Drain(ctx)

		assert.ErrorIs(t, q.Cancel(ctx, id), ErrTerminal)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, q.Cancel(ctx, "nope"), ErrNotFound)
	})
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, DeleteFilePayload{Key: "a"}, WithOwner("alice", "f1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, DeleteFilePayload{Key: "b"}, WithOwner("alice", "f2"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, DeleteFilePayload{Key: "c"}, WithOwner("bob", "f3"))
	require.NoError(t, err)

	ops, err := q.ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "f2", ops[0].FileID, "newest first")
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, UploadFilePayload{Bucket: "files", Key: "a", Data: []byte("x")})
	require.NoError(t, err)

	// A claim nothing ever completes models an instance that crashed
	// mid-dispatch.
	ops, err := q.store.Claim(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	clock.Advance(time.Minute)
	reclaimed, err := q.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, reclaimed, "fresh claims stay with their claimer")

	clock.Advance(5 * time.Minute)
	reclaimed, err = q.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	op, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Nil(t, op.ClaimedAt)

	// The reclaimed item dispatches like any other pending one.
	p := NewProcessor(q)
	dispatched := false
	p.Register(TypeUploadFile, func(context.Context, Operation, Payload) error {
		dispatched = true
		return nil
	})
	p.Drain(ctx)
	assert.True(t, dispatched)

	op, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)
	p := NewProcessor(q)
	p.Register(TypeDeleteFile, func(context.Context, Operation, Payload) error { return nil })

	oldID, err := q.Enqueue(ctx, DeleteFilePayload{Key: "old"})
	require.NoError(t, err)
	p.Drain(ctx)

	clock.Advance(40 * 24 * time.Hour)

	freshID, err := q.Enqueue(ctx, DeleteFilePayload{Key: "fresh"})
	require.NoError(t, err)
	p.Drain(ctx)

	purged, err := q.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = q.Get(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, freshID)
	assert.NoError(t, err)
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	raw, err := EncodePayload(UploadFilePayload{Bucket: "files", Key: "a", Data: []byte("x"), ContentType: "text/csv"})
	require.NoError(t, err)

	decoded, err := DecodePayload(TypeUploadFile, raw)
	require.NoError(t, err)

	upload, ok := decoded.(UploadFilePayload)
	require.True(t, ok)
	assert.Equal(t, "files", upload.Bucket)
	assert.Equal(t, []byte("x"), upload.Data)

	_, err = DecodePayload(Type("bogus"), raw)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
