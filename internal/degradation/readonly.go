// internal/degradation/readonly.go
package degradation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/metrics"
	"github.com/listforge/failsafe/internal/notify"
)

const readOnlyFlag = "read_only_mode"

// FlagStore persists named boolean flags shared by all instances.
// Set reports whether the value actually changed, so entry/exit side
// effects fire exactly once across concurrent evaluators.
type FlagStore interface {
	Get(ctx context.Context, name string) (bool, error)
	Set(ctx context.Context, name string, active bool) (bool, error)
}

// PostgresFlagStore keeps flags in the system_flags table.
type PostgresFlagStore struct {
	db *sql.DB
}

func NewPostgresFlagStore(db *sql.DB) *PostgresFlagStore {
	return &PostgresFlagStore{db: db}
}

func (s *PostgresFlagStore) Get(ctx context.Context, name string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM system_flags WHERE name = $1`, name).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get flag %s: %w", name, err)
	}
	return active, nil
}

func (s *PostgresFlagStore) Set(ctx context.Context, name string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO system_flags (name, active, changed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET active = $2, changed_at = NOW()
		WHERE system_flags.active != $2`,
		name, active)
	if err != nil {
		return false, fmt.Errorf("set flag %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set flag %s: %w", name, err)
	}
	return n > 0, nil
}

// MemoryFlagStore backs tests.
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]bool)}
}

func (s *MemoryFlagStore) Get(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[name], nil
}

func (s *MemoryFlagStore) Set(_ context.Context, name string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[name] == active {
		return false, nil
	}
	s.flags[name] = active
	return true, nil
}

// ReadOnlyController owns system-wide read-only mode. It activates when
// a write-critical dependency has been non-HEALTHY longer than the
// grace period, and deactivates only after all write-critical
// dependencies have been HEALTHY for the full cooldown.
type ReadOnlyController struct {
	flags      FlagStore
	monitor    *health.Monitor
	bus        *events.Bus
	dispatcher notify.Dispatcher

	writeCritical []string
	grace         time.Duration
	cooldown      time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// ReadOnlyOption configures the controller.
type ReadOnlyOption func(*ReadOnlyController)

// WithGrace sets how long a write-critical dependency may be unhealthy
// before read-only mode engages.
func WithGrace(d time.Duration) ReadOnlyOption {
	return func(c *ReadOnlyController) { c.grace = d }
}

// WithCooldown sets the sustained-HEALTHY period required to exit.
func WithCooldown(d time.Duration) ReadOnlyOption {
	return func(c *ReadOnlyController) { c.cooldown = d }
}

// WithReadOnlyDispatcher routes the entry notification.
func WithReadOnlyDispatcher(d notify.Dispatcher) ReadOnlyOption {
	return func(c *ReadOnlyController) { c.dispatcher = d }
}

// WithReadOnlyLogger adds logging.
func WithReadOnlyLogger(logger *zap.Logger) ReadOnlyOption {
	return func(c *ReadOnlyController) { c.logger = logger }
}

// WithReadOnlyClock overrides time for tests.
func WithReadOnlyClock(now func() time.Time) ReadOnlyOption {
	return func(c *ReadOnlyController) { c.now = now }
}

// NewReadOnlyController creates the controller; writeCritical names the
// dependencies whose outage blocks writes.
func NewReadOnlyController(flags FlagStore, monitor *health.Monitor, bus *events.Bus, writeCritical []string, opts ...ReadOnlyOption) *ReadOnlyController {
	c := &ReadOnlyController{
		flags:         flags,
		monitor:       monitor,
		bus:           bus,
		writeCritical: writeCritical,
		grace:         2 * time.Minute,
		cooldown:      5 * time.Minute,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active reports whether read-only mode is engaged.
func (c *ReadOnlyController) Active(ctx context.Context) (bool, error) {
	return c.flags.Get(ctx, readOnlyFlag)
}

// Evaluate re-derives read-only mode from current write-critical
// health. Called on a timer and on every status change.
func (c *ReadOnlyController) Evaluate(ctx context.Context) error {
	now := c.now()
	unhealthyPast, healthyFor := c.inspect(ctx, now)

	active, err := c.Active(ctx)
	if err != nil {
		return err
	}

	switch {
	case !active && unhealthyPast:
		return c.enter(ctx)
	case active && healthyFor:
		return c.exit(ctx)
	}
	return nil
}

// inspect reports whether any write-critical dependency has been
// unhealthy past the grace period, and whether all have been healthy
// for the full cooldown.
func (c *ReadOnlyController) inspect(ctx context.Context, now time.Time) (unhealthyPast, healthyFor bool) {
	healthyFor = true
	for _, service := range c.writeCritical {
		rec, err := c.monitor.Current(ctx, service)
		if err != nil {
			c.logger.Warn("read current status", zap.String("service", service), zap.Error(err))
			healthyFor = false
			continue
		}
		if rec == nil {
			// Never probed yet; neither evidence of outage nor of
			// sustained health.
			healthyFor = false
			continue
		}

		if rec.Status != health.StatusHealthy {
			healthyFor = false
			if !rec.UnhealthySince.IsZero() && now.Sub(rec.UnhealthySince) >= c.grace {
				unhealthyPast = true
			}
			continue
		}

		// Healthy now; has it been healthy long enough?
		if !rec.LastFailure.IsZero() && now.Sub(rec.LastFailure) < c.cooldown {
			healthyFor = false
		}
	}
	return unhealthyPast, healthyFor
}

func (c *ReadOnlyController) enter(ctx context.Context) error {
	changed, err := c.flags.Set(ctx, readOnlyFlag, true)
	if err != nil {
		return err
	}
	if !changed {
		return nil // another instance won the transition
	}

	metrics.SetReadOnlyMode(true)
	event := events.New(events.TypeReadOnlyEntered, events.CategoryDegradation, "", events.SeverityCritical,
		map[string]string{"write_critical": fmt.Sprint(c.writeCritical)})
	event.Timestamp = c.now()
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("publish read-only entry", zap.Error(err))
	}

	c.logger.Warn("read-only mode engaged",
		zap.Strings("write_critical", c.writeCritical),
		zap.Duration("grace", c.grace))

	if c.dispatcher != nil {
		c.dispatcher.Send(ctx, "ops",
			"system entered read-only mode: writes are being queued",
			notify.SeverityCritical, nil)
	}
	return nil
}

func (c *ReadOnlyController) exit(ctx context.Context) error {
	changed, err := c.flags.Set(ctx, readOnlyFlag, false)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	metrics.SetReadOnlyMode(false)
	event := events.New(events.TypeReadOnlyExited, events.CategoryDegradation, "", events.SeverityInfo, nil)
	event.Timestamp = c.now()
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("publish read-only exit", zap.Error(err))
	}

	c.logger.Info("read-only mode released", zap.Duration("cooldown", c.cooldown))
	return nil
}

// Watch re-evaluates on a timer and on every status change until ctx
// is cancelled.
func (c *ReadOnlyController) Watch(ctx context.Context, interval time.Duration) {
	c.monitor.Subscribe(func(string, health.Status, health.Status) {
		if err := c.Evaluate(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("evaluate read-only mode", zap.Error(err))
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Evaluate(ctx); err != nil {
				c.logger.Error("evaluate read-only mode", zap.Error(err))
			}
		}
	}
}
