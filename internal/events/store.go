package events

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PostgresStore persists events in the system_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts one event.
func (s *PostgresStore) Append(ctx context.Context, event SystemEvent) error {
	query := `INSERT INTO system_events (id, event_type, category, service_name, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var payload any
	if len(event.Payload) > 0 {
		payload = []byte(event.Payload)
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID, string(event.Type), string(event.Category),
		nullString(event.ServiceName), string(event.Severity), payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]SystemEvent, error) {
	query := `SELECT id, event_type, category, COALESCE(service_name, ''), severity, COALESCE(payload, 'null'), created_at
		FROM system_events ORDER BY created_at DESC LIMIT $1`
	return s.query(ctx, query, limit)
}

// RecentByService returns the newest events for one service.
func (s *PostgresStore) RecentByService(ctx context.Context, service string, limit int) ([]SystemEvent, error) {
	query := `SELECT id, event_type, category, COALESCE(service_name, ''), severity, COALESCE(payload, 'null'), created_at
		FROM system_events WHERE service_name = $1 ORDER BY created_at DESC LIMIT $2`
	return s.query(ctx, query, service, limit)
}

// Range returns events within [from, to], oldest first.
func (s *PostgresStore) Range(ctx context.Context, from, to time.Time) ([]SystemEvent, error) {
	query := `SELECT id, event_type, category, COALESCE(service_name, ''), severity, COALESCE(payload, 'null'), created_at
		FROM system_events WHERE created_at >= $1 AND created_at <= $2 ORDER BY created_at ASC`
	return s.query(ctx, query, from, to)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query system events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var typ, category, severity string
		var payload []byte
		if err := rows.Scan(&e.ID, &typ, &category, &e.ServiceName, &severity, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan system event: %w", err)
		}
		e.Type = Type(typ)
		e.Category = Category(category)
		e.Severity = Severity(severity)
		if string(payload) != "null" {
			e.Payload = payload
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MemoryStore is an in-memory event store for tests and local mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []SystemEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores one event.
func (s *MemoryStore) Append(_ context.Context, event SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Recent returns the newest events, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.events, func(SystemEvent) bool { return true }, limit), nil
}

// RecentByService returns the newest events for one service.
func (s *MemoryStore) RecentByService(_ context.Context, service string, limit int) ([]SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.events, func(e SystemEvent) bool { return e.ServiceName == service }, limit), nil
}

// Range returns events within [from, to], oldest first.
func (s *MemoryStore) Range(_ context.Context, from, to time.Time) ([]SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []SystemEvent
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func newestFirst(events []SystemEvent, match func(SystemEvent) bool, limit int) []SystemEvent {
	var result []SystemEvent
	for i := len(events) - 1; i >= 0 && len(result) < limit; i-- {
		if match(events[i]) {
			result = append(result, events[i])
		}
	}
	return result
}
