// cmd/failsafed/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/listforge/failsafe/internal/api"
	"github.com/listforge/failsafe/internal/breaker"
	"github.com/listforge/failsafe/internal/config"
	"github.com/listforge/failsafe/internal/database"
	"github.com/listforge/failsafe/internal/degradation"
	"github.com/listforge/failsafe/internal/drtest"
	"github.com/listforge/failsafe/internal/events"
	"github.com/listforge/failsafe/internal/failover"
	"github.com/listforge/failsafe/internal/health"
	"github.com/listforge/failsafe/internal/notify"
	"github.com/listforge/failsafe/internal/queue"
	"github.com/listforge/failsafe/internal/storage"
)

const serviceDatabase = "database"

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("FAILSAFE_CONFIG", "failsafe.yaml"), "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := db.CreateTables(ctx); err != nil {
		return err
	}

	dispatcher := newDispatcher(cfg, logger)
	bus := events.NewBus(events.NewPostgresStore(db.DB()))

	objects, faults, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cache := storage.NewTTLCache()
	queries := storage.NewSQLQueryStore(db.DB())

	monitor := health.NewMonitor(health.NewPostgresStore(db.DB()), bus,
		health.WithProbeInterval(cfg.Monitor.ProbeInterval),
		health.WithProbeTimeout(cfg.Monitor.ProbeTimeout),
		health.WithThresholds(cfg.Monitor.DegradedThreshold, cfg.Monitor.OfflineThreshold),
		health.WithTrendTransitions(cfg.Monitor.TrendTransitions),
		health.WithDispatcher(dispatcher),
		health.WithLogger(logger.Named("health")))
	registerProbes(monitor, objects, queries)

	brk := breaker.New(breaker.NewPostgresStore(db.DB()), bus,
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithFailureWindow(cfg.Breaker.FailureWindow),
		breaker.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
		breaker.WithMaxRecoveryTimeout(cfg.Breaker.MaxRecoveryTimeout),
		breaker.WithBackoffMultiplier(cfg.Breaker.BackoffMultiplier),
		breaker.WithLogger(logger.Named("breaker")))

	q := queue.New(queue.NewPostgresStore(db.DB()), bus,
		queue.WithMaxSize(cfg.Queue.MaxSize),
		queue.WithMaxRetries(cfg.Queue.DefaultMaxRetries),
		queue.WithBaseDelay(cfg.Queue.BaseRetryDelay),
		queue.WithLogger(logger.Named("queue")))
	processor := queue.NewProcessor(q,
		queue.WithBatchSize(cfg.Queue.BatchSize),
		queue.WithIdleInterval(cfg.Queue.DrainInterval),
		queue.WithNotifier(dispatcher),
		queue.WithProcessorLogger(logger.Named("processor")))
	failover.RegisterHandlers(processor, objects, brk, dispatcher, logger.Named("handlers"))

	readOnly := degradation.NewReadOnlyController(
		degradation.NewPostgresFlagStore(db.DB()), monitor, bus,
		cfg.Degradation.WriteCritical,
		degradation.WithGrace(cfg.Degradation.ReadOnlyGrace),
		degradation.WithCooldown(cfg.Degradation.ReadOnlyCooldown),
		degradation.WithReadOnlyDispatcher(dispatcher),
		degradation.WithReadOnlyLogger(logger.Named("readonly")))

	handler := degradation.NewHandler(monitor, brk, q, readOnly,
		degradation.WithHandlerLogger(logger.Named("degradation")))
	facade := failover.NewStorageFacade(objects, cache, handler,
		failover.WithCacheTTL(cfg.Storage.CacheTTL),
		failover.WithFacadeLogger(logger.Named("facade")))

	orchestrator := drtest.NewOrchestrator(
		drtest.NewPostgresStore(db.DB()), bus, monitor, brk,
		drtest.QueueHook{Queue: q, Processor: processor}, facade, faults,
		drtest.WithOrchestratorLogger(logger.Named("drtest")))

	server := api.NewServer(monitor, brk, q, readOnly, orchestrator, bus,
		api.WithAvailabilityWindow(cfg.Monitor.AvailabilityWindow),
		api.WithLogger(logger.Named("api")))

	go monitor.Start(ctx)
	go processor.Run(ctx)
	go readOnly.Watch(ctx, cfg.Monitor.ProbeInterval)
	go cleanupLoop(ctx, q, cfg.Queue.RetentionDays, logger)

	logger.Info("failsafe started",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_mode", cfg.Storage.Mode))

	return server.Run(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

func newDispatcher(cfg *config.Config, logger *zap.Logger) notify.Dispatcher {
	var inner notify.Dispatcher
	if cfg.Notify.WebhookURL != "" {
		inner = notify.NewWebhookDispatcher(cfg.Notify.WebhookURL, logger.Named("webhook"))
	} else {
		inner = notify.NewLogDispatcher(logger.Named("notify"))
	}
	return notify.NewRateLimited(inner, cfg.Notify.RatePerMinute, logger.Named("notify"))
}

// newObjectStore selects the backend. The memory backend doubles as the
// fault-injection target for DR drills; against real S3 drills rely on
// force-degrade alone.
func newObjectStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.ObjectStore, drtest.FaultInjector, error) {
	if cfg.Storage.Mode == "memory" {
		mem := storage.NewMemoryObjectStore()
		return mem, memoryFaults{objects: mem}, nil
	}
	s3store, err := storage.NewS3Store(ctx, cfg.Storage.Endpoint,
		cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Region,
		logger.Named("s3"))
	if err != nil {
		return nil, nil, err
	}
	return s3store, noopFaults{}, nil
}

type memoryFaults struct {
	objects *storage.MemoryObjectStore
}

func (f memoryFaults) Break(string)   { f.objects.FailWith(fmt.Errorf("injected outage")) }
func (f memoryFaults) Restore(string) { f.objects.FailWith(nil) }

type noopFaults struct{}

func (noopFaults) Break(string)   {}
func (noopFaults) Restore(string) {}

func registerProbes(monitor *health.Monitor, objects storage.ObjectStore, queries storage.QueryStore) {
	monitor.Register(health.ProbeFunc{
		ServiceName: failover.ServiceObjectStore,
		Fn: func(ctx context.Context) error {
			_, err := objects.List(ctx, "failsafe-probe", "")
			return err
		},
	})
	monitor.Register(health.ProbeFunc{
		ServiceName: serviceDatabase,
		Fn: func(ctx context.Context) error {
			var one int
			return queries.QueryValue(ctx, &one, "SELECT 1")
		},
	})
}

func cleanupLoop(ctx context.Context, q *queue.Queue, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := q.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("queue cleanup failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("queue cleanup", zap.Int64("purged", purged))
			}
		}
	}
}
