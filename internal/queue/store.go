// internal/queue/store.go
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists queue items. Claim must be safe for concurrent
// processors: an item is handed to at most one claimer.
type Store interface {
	// Insert persists the item unless max non-terminal items already
	// exist; the check and the insert are one atomic step, so concurrent
	// inserts cannot overshoot the bound. ErrAtCapacity when full.
	Insert(ctx context.Context, op *Operation, max int) error
	Get(ctx context.Context, id string) (*Operation, error)
	// Depth counts non-terminal items.
	Depth(ctx context.Context) (int, error)
	// Claim atomically moves up to limit due PENDING items to
	// PROCESSING, ordered by (priority, enqueued_at).
	Claim(ctx context.Context, now time.Time, limit int) ([]Operation, error)
	Complete(ctx context.Context, id string, at time.Time) error
	// Reschedule returns a PROCESSING item to PENDING with a new
	// retry count and due time.
	Reschedule(ctx context.Context, id string, retryCount int, at time.Time, lastErr string) error
	Fail(ctx context.Context, id string, retryCount int, lastErr string, at time.Time) error
	// Cancel marks a non-terminal item CANCELLED; ErrTerminal when it
	// already finished.
	Cancel(ctx context.Context, id string) error
	// ReclaimStale returns PROCESSING items claimed before the cutoff to
	// PENDING so a crashed instance's work gets re-driven.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Operation, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Operation, error)
	// PurgeTerminal deletes terminal items completed before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

const opColumns = `operation_id, operation_type, payload, priority, status,
	retry_count, max_retries, COALESCE(last_error, ''), COALESCE(user_id, ''),
	COALESCE(file_id, ''), enqueued_at, scheduled_at, claimed_at, completed_at`

// PostgresStore is the durable queue shared by all instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, op *Operation, max int) error {
	// The capacity check lives inside the INSERT so concurrent enqueues
	// cannot all pass a separate depth read and overshoot the bound.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_queue (operation_id, operation_type, payload,
			priority, status, retry_count, max_retries, last_error,
			user_id, file_id, enqueued_at, scheduled_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE (SELECT COUNT(*) FROM operation_queue
			WHERE status IN ($13, $14)) < $15`,
		op.ID, op.Type, string(op.Payload), op.Priority, op.Status,
		op.RetryCount, op.MaxRetries, nullString(op.LastError),
		nullString(op.UserID), nullString(op.FileID),
		op.EnqueuedAt, op.ScheduledAt,
		StatusPending, StatusProcessing, max)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	if n == 0 {
		return ErrAtCapacity
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+opColumns+` FROM operation_queue WHERE operation_id = $1`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

func (s *PostgresStore) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operation_queue
		WHERE status IN ($1, $2)`, StatusPending, StatusProcessing).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return depth, nil
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, limit int) ([]Operation, error) {
	// SKIP LOCKED keeps concurrent processors from claiming the same row.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE operation_queue SET status = $1, claimed_at = $3
		WHERE operation_id IN (
			SELECT operation_id FROM operation_queue
			WHERE status = $2 AND scheduled_at <= $3
			ORDER BY priority, enqueued_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+opColumns,
		StatusProcessing, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	// The UPDATE doesn't preserve subquery order.
	sortOperations(ops)
	return ops, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, `
		UPDATE operation_queue
		SET status = $1, completed_at = $2, last_error = NULL
		WHERE operation_id = $3 AND status = $4`,
		StatusCompleted, at, id, StatusProcessing)
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, retryCount int, at time.Time, lastErr string) error {
	return s.finish(ctx, id, `
		UPDATE operation_queue
		SET status = $1, retry_count = $2, scheduled_at = $3, last_error = $4,
			claimed_at = NULL
		WHERE operation_id = $5 AND status = $6`,
		StatusPending, retryCount, at, lastErr, id, StatusProcessing)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, retryCount int, lastErr string, at time.Time) error {
	return s.finish(ctx, id, `
		UPDATE operation_queue
		SET status = $1, retry_count = $2, last_error = $3, completed_at = $4
		WHERE operation_id = $5 AND status = $6`,
		StatusFailed, retryCount, lastErr, at, id, StatusProcessing)
}

func (s *PostgresStore) finish(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue SET status = $1
		WHERE operation_id = $2 AND status IN ($3, $4)`,
		StatusCancelled, id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel operation %s: %w", id, err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		StatusPending, StatusProcessing, before)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Operation, error) {
	return s.list(ctx, `
		SELECT `+opColumns+` FROM operation_queue
		WHERE user_id = $1
		ORDER BY enqueued_at DESC
		LIMIT $2`, userID, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Operation, error) {
	return s.list(ctx, `
		SELECT `+opColumns+` FROM operation_queue
		WHERE status = $1
		ORDER BY priority, enqueued_at
		LIMIT $2`, status, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operation_queue
		WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		StatusCompleted, StatusFailed, StatusCancelled, before)
	if err != nil {
		return 0, fmt.Errorf("purge terminal operations: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*Operation, error) {
	var op Operation
	var payload string
	var claimed, completed sql.NullTime
	err := row.Scan(&op.ID, &op.Type, &payload, &op.Priority, &op.Status,
		&op.RetryCount, &op.MaxRetries, &op.LastError, &op.UserID,
		&op.FileID, &op.EnqueuedAt, &op.ScheduledAt, &claimed, &completed)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	if claimed.Valid {
		t := claimed.Time
		op.ClaimedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		op.CompletedAt = &t
	}
	return &op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func sortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
}

// MemoryStore backs tests and single-node setups with the same
// semantics as PostgresStore.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (s *MemoryStore) Insert(_ context.Context, op *Operation, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depthLocked() >= max {
		return ErrAtCapacity
	}
	clone := *op
	s.ops[op.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *op
	return &clone, nil
}

func (s *MemoryStore) Depth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked(), nil
}

func (s *MemoryStore) depthLocked() int {
	depth := 0
	for _, op := range s.ops {
		if !op.Status.Terminal() {
			depth++
		}
	}
	return depth
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Operation
	for _, op := range s.ops {
		if op.Status == StatusPending && !op.ScheduledAt.After(now) {
			due = append(due, *op)
		}
	}
	sortOperations(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimed := now
		due[i].Status = StatusProcessing
		due[i].ClaimedAt = &claimed
		s.ops[due[i].ID].Status = StatusProcessing
		s.ops[due[i].ID].ClaimedAt = &claimed
	}
	return due, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, at time.Time) error {
	return s.transition(id, StatusProcessing, func(op *Operation) {
		op.Status = StatusCompleted
		op.CompletedAt = &at
		op.LastError = ""
	})
}

func (s *MemoryStore) Reschedule(_ context.Context, id string, retryCount int, at time.Time, lastErr string) error {
	return s.transition(id, StatusProcessing, func(op *Operation) {
		op.Status = StatusPending
		op.RetryCount = retryCount
		op.ScheduledAt = at
		op.LastError = lastErr
		op.ClaimedAt = nil
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, retryCount int, lastErr string, at time.Time) error {
	return s.transition(id, StatusProcessing, func(op *Operation) {
		op.Status = StatusFailed
		op.RetryCount = retryCount
		op.LastError = lastErr
		op.CompletedAt = &at
	})
}

func (s *MemoryStore) transition(id string, from Status, apply func(*Operation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || op.Status != from {
		return ErrNotFound
	}
	apply(op)
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status.Terminal() {
		return ErrTerminal
	}
	op.Status = StatusCancelled
	return nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reclaimed int64
	for _, op := range s.ops {
		if op.Status == StatusProcessing && op.ClaimedAt != nil && op.ClaimedAt.Before(before) {
			op.Status = StatusPending
			op.ClaimedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Operation
	for _, op := range s.ops {
		if op.UserID == userID {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Operation
	for _, op := range s.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	sortOperations(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, op := range s.ops {
		if op.Status.Terminal() && op.CompletedAt != nil && op.CompletedAt.Before(before) {
			delete(s.ops, id)
			purged++
		}
	}
	return purged, nil
}
