// internal/breaker/store.go
package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// PostgresStore keeps breaker state in the circuit_breaker_state table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed breaker store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load returns the record for a service, or nil when none exists yet.
func (s *PostgresStore) Load(ctx context.Context, service string) (*Record, error) {
	query := `SELECT state, failure_count, recovery_timeout_ms, window_started_at, opened_at, next_retry_at, version
		FROM circuit_breaker_state WHERE service_name = $1`

	rec := &Record{Service: service}
	var state string
	var timeoutMS int64
	var window, opened, retry sql.NullTime

	err := s.db.QueryRowContext(ctx, query, service).Scan(
		&state, &rec.FailureCount, &timeoutMS, &window, &opened, &retry, &rec.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query breaker state: %w", err)
	}

	rec.State = State(state)
	rec.RecoveryTimeout = time.Duration(timeoutMS) * time.Millisecond
	rec.WindowStartedAt = timePtr(window)
	rec.OpenedAt = timePtr(opened)
	rec.NextRetryAt = timePtr(retry)
	return rec, nil
}

// Save writes the record with an optimistic version check. A Version of
// zero means the row is new; the insert loses to a concurrent creator.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) (bool, error) {
	if rec.Version == 0 {
		query := `INSERT INTO circuit_breaker_state
			(service_name, state, failure_count, recovery_timeout_ms, window_started_at, opened_at, next_retry_at, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW())
			ON CONFLICT (service_name) DO NOTHING`
		res, err := s.db.ExecContext(ctx, query,
			rec.Service, string(rec.State), rec.FailureCount, rec.RecoveryTimeout.Milliseconds(),
			nullTime(rec.WindowStartedAt), nullTime(rec.OpenedAt), nullTime(rec.NextRetryAt))
		if err != nil {
			return false, fmt.Errorf("insert breaker state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert breaker state: %w", err)
		}
		if n == 1 {
			rec.Version = 1
			return true, nil
		}
		return false, nil
	}

	query := `UPDATE circuit_breaker_state
		SET state = $1, failure_count = $2, recovery_timeout_ms = $3,
			window_started_at = $4, opened_at = $5, next_retry_at = $6,
			version = version + 1, updated_at = NOW()
		WHERE service_name = $7 AND version = $8`
	res, err := s.db.ExecContext(ctx, query,
		string(rec.State), rec.FailureCount, rec.RecoveryTimeout.Milliseconds(),
		nullTime(rec.WindowStartedAt), nullTime(rec.OpenedAt), nullTime(rec.NextRetryAt),
		rec.Service, rec.Version)
	if err != nil {
		return false, fmt.Errorf("update breaker state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update breaker state: %w", err)
	}
	if n == 1 {
		rec.Version++
		return true, nil
	}
	return false, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// MemoryStore is an in-memory breaker store with the same CAS semantics
// as the postgres one. Used by tests and local mode.
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

// Save applies the same version rules as the postgres store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.recs[rec.Service]
	if rec.Version == 0 {
		if ok {
			return false, nil
		}
		rec.Version = 1
		s.recs[rec.Service] = *rec
		return true, nil
	}
	if !ok || existing.Version != rec.Version {
		return false, nil
	}
	rec.Version++
	s.recs[rec.Service] = *rec
	return true, nil
}
