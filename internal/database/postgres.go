package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Postgres represents a PostgreSQL connection
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg Config) (*Postgres, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for the package-level stores.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the resilience subsystem schema.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS service_status (
			service_name VARCHAR(255) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			consecutive_failures INT NOT NULL DEFAULT 0,
			response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 100,
			error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_error TEXT,
			degradation_reason TEXT,
			last_check TIMESTAMPTZ,
			last_success TIMESTAMPTZ,
			last_failure TIMESTAMPTZ,
			unhealthy_since TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			service_name VARCHAR(255) PRIMARY KEY,
			state VARCHAR(32) NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			recovery_timeout_ms BIGINT NOT NULL,
			window_started_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			id VARCHAR(64) PRIMARY KEY,
			event_type VARCHAR(128) NOT NULL,
			category VARCHAR(64) NOT NULL,
			service_name VARCHAR(255),
			severity VARCHAR(32) NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_service
			ON system_events (service_name, created_at)`,
		`CREATE TABLE IF NOT EXISTS operation_queue (
			operation_id VARCHAR(64) PRIMARY KEY,
			operation_type VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL,
			priority INT NOT NULL DEFAULT 100,
			status VARCHAR(32) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL,
			last_error TEXT,
			user_id VARCHAR(255),
			file_id VARCHAR(255),
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_queue_pending
			ON operation_queue (status, scheduled_at, priority, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS system_flags (
			name VARCHAR(64) PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS test_scenarios (
			name VARCHAR(255) PRIMARY KEY,
			scenario_type VARCHAR(64) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			definition JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS dr_tests (
			id VARCHAR(64) PRIMARY KEY,
			scenario_name VARCHAR(255) NOT NULL,
			scenario_type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			rto_target_ms BIGINT NOT NULL,
			rpo_target_ms BIGINT NOT NULL,
			rto_actual_ms BIGINT,
			rpo_actual_ms BIGINT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id VARCHAR(64) PRIMARY KEY,
			test_id VARCHAR(64) NOT NULL REFERENCES dr_tests(id) ON DELETE CASCADE,
			step_name VARCHAR(255) NOT NULL,
			step_order INT NOT NULL,
			passed BOOLEAN NOT NULL,
			message TEXT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS test_logs (
			id VARCHAR(64) PRIMARY KEY,
			test_id VARCHAR(64) NOT NULL REFERENCES dr_tests(id) ON DELETE CASCADE,
			level VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			step_name VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS test_metrics (
			id VARCHAR(64) PRIMARY KEY,
			test_id VARCHAR(64) NOT NULL REFERENCES dr_tests(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}
