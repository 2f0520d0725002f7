// internal/storage/query.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLQueryStore implements QueryStore over database/sql. The health
// monitor probes it with SELECT 1; DR scenarios use it to measure
// relational recovery.
type SQLQueryStore struct {
	db *sql.DB
}

func NewSQLQueryStore(db *sql.DB) *SQLQueryStore {
	return &SQLQueryStore{db: db}
}

func (s *SQLQueryStore) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec query: %w", err)
	}
	return nil
}

func (s *SQLQueryStore) QueryValue(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(dest); err != nil {
		return fmt.Errorf("query value: %w", err)
	}
	return nil
}
