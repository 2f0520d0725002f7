// internal/health/store.go
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Store persists service status records. Save is a compare-and-swap on
// Version, matching the breaker store contract.
type Store interface {
	Load(ctx context.Context, service string) (*Record, error)
	Save(ctx context.Context, rec *Record) (bool, error)
	List(ctx context.Context) ([]Record, error)
}

// PostgresStore keeps status in the service_status table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed status store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const statusColumns = `service_name, status, failure_count, consecutive_failures,
	response_time_ms, success_rate, error_rate, COALESCE(last_error, ''),
	COALESCE(degradation_reason, ''), last_check, last_success, last_failure,
	unhealthy_since, version`

// Load returns the record for a service, or nil when none exists yet.
func (s *PostgresStore) Load(ctx context.Context, service string) (*Record, error) {
	query := `SELECT ` + statusColumns + ` FROM service_status WHERE service_name = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, service))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query service status: %w", err)
	}
	return rec, nil
}

// List returns all known records.
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	query := `SELECT ` + statusColumns + ` FROM service_status ORDER BY service_name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list service status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service status: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var status string
	var lastCheck, lastSuccess, lastFailure, unhealthySince sql.NullTime

	err := row.Scan(&rec.ServiceName, &status, &rec.FailureCount,
		&rec.Metrics.ConsecutiveFailures, &rec.Metrics.ResponseTimeMS,
		&rec.Metrics.SuccessRate, &rec.Metrics.ErrorRate, &rec.Metrics.LastError,
		&rec.DegradationReason, &lastCheck, &lastSuccess, &lastFailure,
		&unhealthySince, &rec.Version)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if lastCheck.Valid {
		rec.LastCheck = lastCheck.Time
		rec.Metrics.LastHealthCheck = lastCheck.Time
	}
	if lastSuccess.Valid {
		rec.LastSuccess = lastSuccess.Time
	}
	if lastFailure.Valid {
		rec.LastFailure = lastFailure.Time
	}
	if unhealthySince.Valid {
		rec.UnhealthySince = unhealthySince.Time
	}
	return rec, nil
}

// Save writes the record with an optimistic version check.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) (bool, error) {
	if rec.Version == 0 {
		query := `INSERT INTO service_status
			(service_name, status, failure_count, consecutive_failures, response_time_ms,
			 success_rate, error_rate, last_error, degradation_reason,
			 last_check, last_success, last_failure, unhealthy_since, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, NOW())
			ON CONFLICT (service_name) DO NOTHING`
		res, err := s.db.ExecContext(ctx, query,
			rec.ServiceName, string(rec.Status), rec.FailureCount,
			rec.Metrics.ConsecutiveFailures, rec.Metrics.ResponseTimeMS,
			rec.Metrics.SuccessRate, rec.Metrics.ErrorRate, rec.Metrics.LastError,
			rec.DegradationReason, zeroNull(rec.LastCheck), zeroNull(rec.LastSuccess),
			zeroNull(rec.LastFailure), zeroNull(rec.UnhealthySince))
		if err != nil {
			return false, fmt.Errorf("insert service status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert service status: %w", err)
		}
		if n == 1 {
			rec.Version = 1
			return true, nil
		}
		return false, nil
	}

	query := `UPDATE service_status
		SET status = $1, failure_count = $2, consecutive_failures = $3,
			response_time_ms = $4, success_rate = $5, error_rate = $6,
			last_error = $7, degradation_reason = $8,
			last_check = $9, last_success = $10, last_failure = $11,
			unhealthy_since = $12, version = version + 1, updated_at = NOW()
		WHERE service_name = $13 AND version = $14`
	res, err := s.db.ExecContext(ctx, query,
		string(rec.Status), rec.FailureCount, rec.Metrics.ConsecutiveFailures,
		rec.Metrics.ResponseTimeMS, rec.Metrics.SuccessRate, rec.Metrics.ErrorRate,
		rec.Metrics.LastError, rec.DegradationReason,
		zeroNull(rec.LastCheck), zeroNull(rec.LastSuccess), zeroNull(rec.LastFailure),
		zeroNull(rec.UnhealthySince), rec.ServiceName, rec.Version)
	if err != nil {
		return false, fmt.Errorf("update service status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update service status: %w", err)
	}
	if n == 1 {
		rec.Version++
		return true, nil
	}
	return false, nil
}

func zeroNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// MemoryStore is an in-memory status store with CAS semantics.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// Load returns a copy of the record, or nil when absent.
func (s *MemoryStore) Load(_ context.Context, service string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[service]
	if !ok {
		return nil, nil
	}
	copied := rec
	return &copied, nil
}

// List returns all records.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		result = append(result, rec)
	}
	return result, nil
}

// Save applies the same version rules as the postgres store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.recs[rec.ServiceName]
	if rec.Version == 0 {
		if ok {
			return false, nil
		}
		rec.Version = 1
		s.recs[rec.ServiceName] = *rec
		return true, nil
	}
	if !ok || existing.Version != rec.Version {
		return false, nil
	}
	rec.Version++
	s.recs[rec.ServiceName] = *rec
	return true, nil
}
