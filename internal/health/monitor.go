// internal/health/monitor.go
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/metrics"
	"github.com/listforge/failsafe/internal/notify"
)

// Probe is a lightweight round-trip against one dependency.
type Probe interface {
	Name() string
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ServiceName string
	Fn          func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ServiceName }
func (p ProbeFunc) Probe(ctx context.Context) error { return p.Fn(ctx) }

// Subscriber is notified on every status change.
type Subscriber func(service string, from, to Status)

// Monitor periodically probes dependencies, derives per-service status,
// and publishes one audit event per status change. All state lives in
// the durable store so concurrent instances converge.
type Monitor struct {
	store      Store
	bus        *events.Bus
	dispatcher notify.Dispatcher

	probeInterval     time.Duration
	probeTimeout      time.Duration
	degradedThreshold int
	offlineThreshold  int
	trendTransitions  int

	mu          sync.RWMutex
	probes      map[string]Probe
	subscribers []Subscriber

	now    func() time.Time
	logger *zap.Logger
}

// Option configures the monitor.
type Option func(*Monitor)

// WithProbeInterval sets how often each dependency is probed.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.probeInterval = d }
}

// WithProbeTimeout bounds each probe; a timeout counts as failure.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithThresholds sets consecutive-failure thresholds for DEGRADED and
// OFFLINE.
func WithThresholds(degraded, offline int) Option {
	return func(m *Monitor) {
		m.degradedThreshold = degraded
		m.offlineThreshold = offline
	}
}

// WithTrendTransitions sets how many transitions feed the trend.
func WithTrendTransitions(n int) Option {
	return func(m *Monitor) { m.trendTransitions = n }
}

// WithDispatcher routes status-change notifications.
func WithDispatcher(d notify.Dispatcher) Option {
	return func(m *Monitor) { m.dispatcher = d }
}

// WithLogger adds logging.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over the given durable store.
func NewMonitor(store Store, bus *events.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		store:             store,
		bus:               bus,
		probeInterval:     30 * time.Second,
		probeTimeout:      5 * time.Second,
		degradedThreshold: 1,
		offlineThreshold:  3,
		trendTransitions:  5,
		probes:            make(map[string]Probe),
		now:               time.Now,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a dependency probe.
func (m *Monitor) Register(probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[probe.Name()] = probe
}

// Subscribe registers a status-change subscriber.
func (m *Monitor) Subscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Start launches one probe loop per registered dependency and blocks
// until ctx is cancelled. Cancellation stops all timers; persisted state
// survives.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.RLock()
	probes := make([]Probe, 0, len(m.probes))
	for _, p := range m.probes {
		probes = append(probes, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, probe := range probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			m.probeLoop(ctx, p)
		}(probe)
	}
	wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, probe Probe) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	// Probe immediately so status is populated before the first tick.
	m.RunProbe(ctx, probe)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunProbe(ctx, probe)
		}
	}
}

// RunProbe executes one probe under the configured timeout. Panics and
// timeouts both count as failures; nothing escapes to the loop.
func (m *Monitor) RunProbe(ctx context.Context, probe Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- probe.Probe(probeCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = fmt.Errorf("probe timeout after %v", m.probeTimeout)
	}

	latency := m.now().Sub(start)
	if reportErr := m.ReportResult(ctx, probe.Name(), latency, err); reportErr != nil {
		m.logger.Error("record probe result",
			zap.String("service", probe.Name()),
			zap.Error(reportErr))
	}
}

// ReportResult folds one observed outcome into the durable record. The
// DR harness uses this directly to inject synthetic results.
func (m *Monitor) ReportResult(ctx context.Context, service string, latency time.Duration, probeErr error) error {
	const alpha = 0.2 // EWMA weight for new samples

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := m.loadOrInit(ctx, service)
		if err != nil {
			return err
		}

		now := m.now()
		from := rec.Status

		rec.LastCheck = now
		rec.Metrics.LastHealthCheck = now
		rec.Metrics.ResponseTimeMS = ewma(rec.Metrics.ResponseTimeMS, float64(latency.Milliseconds()), alpha)

		if probeErr != nil {
			rec.FailureCount++
			rec.Metrics.ConsecutiveFailures++
			rec.Metrics.LastError = probeErr.Error()
			rec.LastFailure = now
			if rec.UnhealthySince.IsZero() {
				rec.UnhealthySince = now
			}
			rec.Metrics.SuccessRate = ewma(rec.Metrics.SuccessRate, 0, alpha)
		} else {
			rec.FailureCount = 0
			rec.Metrics.ConsecutiveFailures = 0
			rec.Metrics.LastError = ""
			rec.LastSuccess = now
			rec.UnhealthySince = time.Time{}
			rec.Metrics.SuccessRate = ewma(rec.Metrics.SuccessRate, 100, alpha)
		}
		rec.Metrics.ErrorRate = 100 - rec.Metrics.SuccessRate

		rec.Status = m.derive(rec.Metrics.ConsecutiveFailures)
		if rec.Status == StatusHealthy {
			rec.DegradationReason = ""
		} else if probeErr != nil {
			rec.DegradationReason = probeErr.Error()
		}

		ok, err := m.store.Save(ctx, rec)
		if err != nil {
			return fmt.Errorf("save status %s: %w", service, err)
		}
		if !ok {
			continue // lost the race, fold into the fresh row
		}

		metrics.ObserveProbe(service, latency, probeErr != nil)
		metrics.SetServiceStatus(service, float64(rec.Status.rank()))

		if from != rec.Status {
			m.announceChange(ctx, service, from, rec.Status, rec.DegradationReason)
		}
		return nil
	}
	return fmt.Errorf("status %s: contention recording result", service)
}

const maxCASAttempts = 5

func (m *Monitor) loadOrInit(ctx context.Context, service string) (*Record, error) {
	rec, err := m.store.Load(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", service, err)
	}
	if rec == nil {
		rec = &Record{
			ServiceName: service,
			Status:      StatusHealthy,
			Metrics:     Metrics{SuccessRate: 100},
		}
	}
	return rec, nil
}

func (m *Monitor) derive(consecutiveFailures int) Status {
	switch {
	case consecutiveFailures >= m.offlineThreshold:
		return StatusOffline
	case consecutiveFailures >= m.degradedThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func ewma(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}

type statusChange struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// announceChange emits exactly one event per status change and notifies
// subscribers and the dispatcher.
func (m *Monitor) announceChange(ctx context.Context, service string, from, to Status, reason string) {
	severity := events.SeverityInfo
	notifySeverity := notify.SeverityInfo
	switch to {
	case StatusDegraded:
		severity = events.SeverityWarning
		notifySeverity = notify.SeverityWarning
	case StatusOffline:
		severity = events.SeverityCritical
		notifySeverity = notify.SeverityCritical
	}

	event := events.New(events.TypeStatusChanged, events.CategoryHealth, service, severity,
		statusChange{From: from, To: to, Reason: reason})
	event.Timestamp = m.now()
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warn("publish status change", zap.String("service", service), zap.Error(err))
	}

	m.logger.Info("service status changed",
		zap.String("service", service),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	m.mu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()
	for _, sub := range subs {
		go sub(service, from, to)
	}

	if m.dispatcher != nil {
		m.dispatcher.Send(ctx, "ops",
			fmt.Sprintf("service %s is %s (was %s)", service, to, from),
			notifySeverity,
			map[string]string{"service": service, "reason": reason})
	}
}

// Current returns the durable record for a service, nil when unknown.
func (m *Monitor) Current(ctx context.Context, service string) (*Record, error) {
	return m.store.Load(ctx, service)
}

// List returns all service records.
func (m *Monitor) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

// Aggregate returns the worst status across all services.
func (m *Monitor) Aggregate(ctx context.Context) (Status, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return StatusHealthy, err
	}
	agg := StatusHealthy
	for _, rec := range recs {
		agg = Worse(agg, rec.Status)
	}
	return agg, nil
}

// RecentEvents returns the newest health events for a service.
func (m *Monitor) RecentEvents(ctx context.Context, service string, limit int) ([]events.SystemEvent, error) {
	return m.bus.Store().RecentByService(ctx, service, limit)
}

// Availability returns the percentage of the trailing window the service
// was not OFFLINE, reconstructed from status-change events.
func (m *Monitor) Availability(ctx context.Context, service string, window time.Duration) (float64, error) {
	now := m.now()
	from := now.Add(-window)

	all, err := m.bus.Store().Range(ctx, from, now)
	if err != nil {
		return 0, err
	}

	var changes []events.SystemEvent
	for _, e := range all {
		if e.ServiceName == service && e.Type == events.TypeStatusChanged {
			changes = append(changes, e)
		}
	}

	if len(changes) == 0 {
		rec, err := m.store.Load(ctx, service)
		if err != nil {
			return 0, err
		}
		if rec != nil && rec.Status == StatusOffline {
			return 0, nil
		}
		return 100, nil
	}

	var offline time.Duration
	cursor := from
	current := StatusHealthy
	if first := decodeChange(changes[0]); first != nil {
		current = first.From
	}

	for _, e := range changes {
		if current == StatusOffline {
			offline += e.Timestamp.Sub(cursor)
		}
		cursor = e.Timestamp
		if change := decodeChange(e); change != nil {
			current = change.To
		}
	}
	if current == StatusOffline {
		offline += now.Sub(cursor)
	}

	up := 100 * (1 - float64(offline)/float64(window))
	if up < 0 {
		up = 0
	}
	return up, nil
}

// TrendFor summarizes the last N transitions as improving, stable, or
// degrading.
func (m *Monitor) TrendFor(ctx context.Context, service string) (Trend, error) {
	recent, err := m.bus.Store().RecentByService(ctx, service, m.trendTransitions*3)
	if err != nil {
		return TrendStable, err
	}

	sum, counted := 0, 0
	for _, e := range recent { // newest first
		if e.Type != events.TypeStatusChanged || counted >= m.trendTransitions {
			continue
		}
		if change := decodeChange(e); change != nil {
			sum += change.To.rank() - change.From.rank()
			counted++
		}
	}

	switch {
	case counted == 0 || sum == 0:
		return TrendStable, nil
	case sum > 0:
		return TrendDegrading, nil
	default:
		return TrendImproving, nil
	}
}

func decodeChange(e events.SystemEvent) *statusChange {
	if len(e.Payload) == 0 {
		return nil
	}
	var change statusChange
	if err := json.Unmarshal(e.Payload, &change); err != nil {
		return nil
	}
	return &change
}

// ForceDegrade marks a service OFFLINE. Test hook used by the DR
// harness and the admin surface.
func (m *Monitor) ForceDegrade(ctx context.Context, service, reason string) error {
	return m.force(ctx, service, StatusOffline, reason)
}

// ForceRecover marks a service HEALTHY. Test hook.
func (m *Monitor) ForceRecover(ctx context.Context, service string) error {
	return m.force(ctx, service, StatusHealthy, "")
}

func (m *Monitor) force(ctx context.Context, service string, to Status, reason string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := m.loadOrInit(ctx, service)
		if err != nil {
			return err
		}

		from := rec.Status
		rec.Status = to
		rec.DegradationReason = reason
		rec.LastCheck = m.now()
		if to == StatusHealthy {
			rec.FailureCount = 0
			rec.Metrics.ConsecutiveFailures = 0
			rec.Metrics.LastError = ""
			rec.UnhealthySince = time.Time{}
		} else {
			rec.Metrics.ConsecutiveFailures = m.offlineThreshold
			if rec.UnhealthySince.IsZero() {
				rec.UnhealthySince = rec.LastCheck
			}
		}

		ok, err := m.store.Save(ctx, rec)
		if err != nil {
			return fmt.Errorf("save forced status %s: %w", service, err)
		}
		if !ok {
			continue
		}

		metrics.SetServiceStatus(service, float64(to.rank()))

		event := events.New(events.TypeServiceForced, events.CategoryDR, service, events.SeverityWarning,
			map[string]string{"to": string(to), "reason": reason})
		event.Timestamp = m.now()
		if err := m.bus.Publish(ctx, event); err != nil {
			m.logger.Warn("publish forced status", zap.Error(err))
		}
		if from != to {
			m.announceChange(ctx, service, from, to, reason)
		}
		return nil
	}
	return fmt.Errorf("status %s: contention forcing status", service)
}
