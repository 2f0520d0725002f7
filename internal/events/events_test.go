package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	t.Run("publish persists and notifies", func(t *testing.T) {
		store := NewMemoryStore()
		bus := NewBus(store)

		var mu sync.Mutex
		var seen []SystemEvent
		done := make(chan struct{})
		bus.Subscribe(func(_ context.Context, e SystemEvent) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
			close(done)
		})

		event := New(TypeBreakerOpened, CategoryBreaker, "object-store", SeverityCritical,
			map[string]int{"failures": 5})
		require.NoError(t, bus.Publish(context.Background(), event))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber never notified")
		}

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, seen, 1)
		assert.Equal(t, TypeBreakerOpened, seen[0].Type)

		recent, err := store.Recent(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "object-store", recent[0].ServiceName)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, svc := range []string{"a", "b", "a", "a"} {
		require.NoError(t, store.Append(ctx, New(TypeStatusChanged, CategoryHealth, svc, SeverityInfo, nil)))
	}

	t.Run("recent is newest first and bounded", func(t *testing.T) {
		recent, err := store.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "a", recent[0].ServiceName)
	})

	t.Run("recent by service filters", func(t *testing.T) {
		recent, err := store.RecentByService(ctx, "b", 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
	})

	t.Run("range bounds inclusive", func(t *testing.T) {
		all, err := store.Range(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := store.Range(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
