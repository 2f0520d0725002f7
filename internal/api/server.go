// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/degradation"
	"github.com/listforge/failsafe/internal/drtest"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/queue"
)

// Server exposes the administrative surface: health reads, queue
// management, force hooks, and the DR harness. It is meant for
// operators and internal tooling, not end users.
type Server struct {
	monitor      *health.Monitor
	breaker      *breaker.Breaker
	queue        *queue.Queue
	readOnly     *degradation.ReadOnlyController
	orchestrator *drtest.Orchestrator
	bus          *events.Bus

	availabilityWindow time.Duration
	logger             *zap.Logger
}

// Option configures the server.
type Option func(*Server)

// WithAvailabilityWindow sets the window for availability reads.
func WithAvailabilityWindow(d time.Duration) Option {
	return func(s *Server) { s.availabilityWindow = d }
}

// WithLogger adds request logging.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the admin surface over the resilience components.
func NewServer(monitor *health.Monitor, brk *breaker.Breaker, q *queue.Queue,
	readOnly *degradation.ReadOnlyController, orchestrator *drtest.Orchestrator,
	bus *events.Bus, opts ...Option) *Server {
	s := &Server{
		monitor:            monitor,
		breaker:            brk,
		queue:              q,
		readOnly:           readOnly,
		orchestrator:       orchestrator,
		bus:                bus,
		availabilityWindow: 24 * time.Hour,
		logger:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logging)

	r.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/{service}", s.handleServiceHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/{service}/degrade", s.handleForceDegrade).Methods(http.MethodPost)
	v1.HandleFunc("/health/{service}/recover", s.handleForceRecover).Methods(http.MethodPost)
	v1.HandleFunc("/breaker/{service}", s.handleBreakerState).Methods(http.MethodGet)
	v1.HandleFunc("/breaker/{service}/reset", s.handleBreakerReset).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleQueueList).Methods(http.MethodGet)
	v1.HandleFunc("/queue/{id}", s.handleQueueGet).Methods(http.MethodGet)
	v1.HandleFunc("/queue/{id}", s.handleQueueCancel).Methods(http.MethodDelete)
	v1.HandleFunc("/readonly", s.handleReadOnly).Methods(http.MethodGet)
	v1.HandleFunc("/dr/scenarios/{name}/run", s.handleRunScenario).Methods(http.MethodPost)
	v1.HandleFunc("/dr/report", s.handleDRReport).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // DR runs block until the drill finishes
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("admin api listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aggregate, err := s.monitor.Aggregate(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	services, err := s.monitor.List(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate": aggregate,
		"services":  services,
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := mux.Vars(r)["service"]

	rec, err := s.monitor.Current(ctx, service)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	availability, err := s.monitor.Availability(ctx, service, s.availabilityWindow)
	if err != nil {
		s.fail(w, err)
		return
	}
	trend, err := s.monitor.TrendFor(ctx, service)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":      rec,
		"availability": availability,
		"trend":        trend,
	})
}

func (s *Server) handleForceDegrade(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "forced via admin api"
	}

	if err := s.monitor.ForceDegrade(r.Context(), service, body.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "degraded"})
}

func (s *Server) handleForceRecover(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := s.monitor.ForceRecover(r.Context(), service); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "recovered"})
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	rec, err := s.breaker.CurrentState(r.Context(), service)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := s.breaker.Reset(r.Context(), service); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "state": string(breaker.StateClosed)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	recent, err := s.bus.Store().Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)

	var ops []queue.Operation
	var err error
	if user := r.URL.Query().Get("user"); user != "" {
		ops, err = s.queue.ListForUser(r.Context(), user, limit)
	} else {
		status := queue.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = queue.StatusPending
		}
		ops, err = s.queue.ListByStatus(r.Context(), status, limit)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth, "operations": ops})
}

func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	op, err := s.queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

func (s *Server) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	if s.readOnly == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false, "managed": false})
		return
	}
	active, err := s.readOnly.Active(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "managed": true})
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	test, err := s.orchestrator.Run(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleDRReport(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from: expected RFC3339 timestamp")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to: expected RFC3339 timestamp")
			return
		}
		to = parsed
	}

	report, err := s.orchestrator.Report(r.Context(), from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var prereqErr *drtest.PrerequisiteError
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, drtest.ErrScenarioNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrTerminal),
		errors.Is(err, drtest.ErrScenarioRunning),
		errors.Is(err, drtest.ErrScenarioDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &prereqErr):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intQuery(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
