// internal/api/server_test.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/degradation"
	"github.com/listforge/failsafe/internal/drtest"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/failover"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/queue"
	"github.com/listforge/failsafe/internal/storage"
)

type fixture struct {
	server  *Server
	monitor *health.Monitor
	queue   *queue.Queue
	drStore *drtest.MemoryStore
}

type noopInjector struct{}

func (noopInjector) Break(string)   {}
func (noopInjector) Restore(string) {}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(events.NewMemoryStore())

	monitor := health.NewMonitor(health.NewMemoryStore(), bus)
	brk := breaker.New(breaker.NewMemoryStore(), bus)
	q := queue.New(queue.NewMemoryStore(), bus)
	handler := degradation.NewHandler(monitor, brk, q, nil)
	readOnly := degradation.NewReadOnlyController(
		degradation.NewMemoryFlagStore(), monitor, bus, nil)

	objects := storage.NewMemoryObjectStore()
	facade := failover.NewStorageFacade(objects, storage.NewTTLCache(), handler)
	processor := queue.NewProcessor(q)
	failover.RegisterHandlers(processor, objects, brk, nil, nil)

	drStore := drtest.NewMemoryStore()
	orchestrator := drtest.NewOrchestrator(drStore, bus, monitor, brk,
		drtest.QueueHook{Queue: q, Processor: processor}, facade, noopInjector{})

	server := NewServer(monitor, brk, q, readOnly, orchestrator, bus)
	return &fixture{server: server, monitor: monitor, queue: q, drStore: drStore}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func TestHealthEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregate reflects the worst service", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.monitor.ReportResult(ctx, "database", time.Millisecond, nil))
		require.NoError(t, f.monitor.ForceDegrade(ctx, "object-store", "drill"))

		rec := f.do(t, http.MethodGet, "/api/v1/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Aggregate string `json:"aggregate"`
		}
		decode(t, rec, &body)
		assert.Equal(t, string(health.StatusOffline), body.Aggregate)
	})

	t.Run("unknown service is 404", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/health/ghost", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("force degrade and recover round trip", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/health/object-store/degrade", `{"reason":"maintenance"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		current, err := f.monitor.Current(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, health.StatusOffline, current.Status)

		rec = f.do(t, http.MethodPost, "/api/v1/health/object-store/recover", "")
		require.Equal(t, http.StatusOK, rec.Code)

		current, err = f.monitor.Current(ctx, "object-store")
		require.NoError(t, err)
		assert.Equal(t, health.StatusHealthy, current.Status)
	})
}

func TestQueueEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("list and cancel", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.queue.Enqueue(ctx, queue.DeleteFilePayload{Bucket: "files", Key: "old"})
		require.NoError(t, err)

		rec := f.do(t, http.MethodGet, "/api/v1/queue", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var listing struct {
			Depth      int               `json:"depth"`
			Operations []queue.Operation `json:"operations"`
		}
		decode(t, rec, &listing)
		assert.Equal(t, 1, listing.Depth)
		require.Len(t, listing.Operations, 1)

		rec = f.do(t, http.MethodDelete, "/api/v1/queue/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)

		op, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, op.Status)
	})

	t.Run("cancelling twice conflicts", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.queue.Enqueue(ctx, queue.DeleteFilePayload{Bucket: "files", Key: "old"})
		require.NoError(t, err)
		require.NoError(t, f.queue.Cancel(ctx, id))

		rec := f.do(t, http.MethodDelete, "/api/v1/queue/"+id, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown operation is 404", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodDelete, "/api/v1/queue/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDREndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown scenario is 404", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/dr/scenarios/ghost/run", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("running a scenario returns the finished test", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.drStore.SaveScenario(ctx, &drtest.Scenario{
			Name:       "bench",
			Type:       drtest.ScenarioPerformanceBenchmark,
			Service:    failover.ServiceObjectStore,
			Enabled:    true,
			RTOTarget:  time.Minute,
			Iterations: 2,
		}))

		rec := f.do(t, http.MethodPost, "/api/v1/dr/scenarios/bench/run", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var test drtest.Test
		decode(t, rec, &test)
		assert.Equal(t, drtest.TestCompleted, test.Status)
	})

	t.Run("report rejects bad timestamps", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/dr/report?from=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("report over an empty window", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/dr/report", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var report drtest.Report
		decode(t, rec, &report)
		assert.Zero(t, report.TotalRuns)
	})
}

func TestReadOnlyEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/readonly", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Active  bool `json:"active"`
		Managed bool `json:"managed"`
	}
	decode(t, rec, &body)
	assert.False(t, body.Active)
	assert.True(t, body.Managed)
}
