// internal/drtest/store.go
package drtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists scenarios and test runs with their child records.
type Store interface {
	SaveScenario(ctx context.Context, scenario *Scenario) error
	GetScenario(ctx context.Context, name string) (*Scenario, error)
	ListScenarios(ctx context.Context) ([]Scenario, error)

	CreateTest(ctx context.Context, test *Test) error
	UpdateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, from, to time.Time) ([]Test, error)

	AddResult(ctx context.Context, result *Result) error
	AddLog(ctx context.Context, log *Log) error
	AddMetric(ctx context.Context, metric *Metric) error
	ListResults(ctx context.Context, testID string) ([]Result, error)
	ListLogs(ctx context.Context, testID string) ([]Log, error)
	ListMetrics(ctx context.Context, testID string) ([]Metric, error)
}

// PostgresStore keeps DR runs in the dr_tests table family.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveScenario(ctx context.Context, scenario *Scenario) error {
	definition, err := json.Marshal(scenario)
	if err != nil {
		return fmt.Errorf("marshal scenario %s: %w", scenario.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_scenarios (name, scenario_type, enabled, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET scenario_type = $2, enabled = $3, definition = $4`,
		scenario.Name, scenario.Type, scenario.Enabled, string(definition))
	if err != nil {
		return fmt.Errorf("save scenario %s: %w", scenario.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(ctx context.Context, name string) (*Scenario, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM test_scenarios WHERE name = $1`, name).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, ErrScenarioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario %s: %w", name, err)
	}

	var scenario Scenario
	if err := json.Unmarshal([]byte(definition), &scenario); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", name, err)
	}
	return &scenario, nil
}

func (s *PostgresStore) ListScenarios(ctx context.Context) ([]Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM test_scenarios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scenarios []Scenario
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		var scenario Scenario
		if err := json.Unmarshal([]byte(definition), &scenario); err != nil {
			return nil, fmt.Errorf("decode scenario: %w", err)
		}
		scenarios = append(scenarios, scenario)
	}
	return scenarios, rows.Err()
}

func (s *PostgresStore) CreateTest(ctx context.Context, test *Test) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dr_tests (id, scenario_name, scenario_type, status,
			rto_target_ms, rpo_target_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		test.ID, test.ScenarioName, test.ScenarioType, test.Status,
		test.RTOTarget.Milliseconds(), test.RPOTarget.Milliseconds(),
		test.StartedAt)
	if err != nil {
		return fmt.Errorf("create dr test %s: %w", test.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateTest(ctx context.Context, test *Test) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dr_tests
		SET status = $1, rto_actual_ms = $2, rpo_actual_ms = $3, finished_at = $4
		WHERE id = $5`,
		test.Status, msOrNull(test.RTOActual, test.RTOMeasured),
		msOrNull(test.RPOActual, test.RPOMeasured), test.FinishedAt, test.ID)
	if err != nil {
		return fmt.Errorf("update dr test %s: %w", test.ID, err)
	}
	return nil
}

const testColumns = `id, scenario_name, scenario_type, status,
	rto_target_ms, rpo_target_ms, rto_actual_ms, rpo_actual_ms,
	started_at, finished_at`

func (s *PostgresStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM dr_tests WHERE id = $1`, id)
	test, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dr test %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dr test %s: %w", id, err)
	}
	return test, nil
}

func (s *PostgresStore) ListTests(ctx context.Context, from, to time.Time) ([]Test, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+testColumns+` FROM dr_tests
		WHERE started_at >= $1 AND started_at <= $2
		ORDER BY started_at DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list dr tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tests []Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dr test: %w", err)
		}
		tests = append(tests, *test)
	}
	return tests, rows.Err()
}

func (s *PostgresStore) AddResult(ctx context.Context, result *Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (id, test_id, step_name, step_order, passed, message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		result.ID, result.TestID, result.Step, result.Order, result.Passed,
		result.Message, result.Duration.Milliseconds(), result.At)
	if err != nil {
		return fmt.Errorf("add test result: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddLog(ctx context.Context, log *Log) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_logs (id, test_id, level, message, step_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ID, log.TestID, log.Level, log.Message, log.Step, log.At)
	if err != nil {
		return fmt.Errorf("add test log: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMetric(ctx context.Context, metric *Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_metrics (id, test_id, name, value, unit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		metric.ID, metric.TestID, metric.Name, metric.Value, metric.Unit, metric.At)
	if err != nil {
		return fmt.Errorf("add test metric: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, testID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, step_name, step_order, passed, COALESCE(message, ''), duration_ms, created_at
		FROM test_results WHERE test_id = $1 ORDER BY step_order`, testID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var r Result
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.TestID, &r.Step, &r.Order, &r.Passed,
			&r.Message, &durationMS, &r.At); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ListLogs(ctx context.Context, testID string) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, level, message, COALESCE(step_name, ''), created_at
		FROM test_logs WHERE test_id = $1 ORDER BY created_at`, testID)
	if err != nil {
		return nil, fmt.Errorf("list test logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.TestID, &l.Level, &l.Message, &l.Step, &l.At); err != nil {
			return nil, fmt.Errorf("scan test log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) ListMetrics(ctx context.Context, testID string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, name, value, COALESCE(unit, ''), created_at
		FROM test_metrics WHERE test_id = $1 ORDER BY created_at`, testID)
	if err != nil {
		return nil, fmt.Errorf("list test metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.TestID, &m.Name, &m.Value, &m.Unit, &m.At); err != nil {
			return nil, fmt.Errorf("scan test metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func scanTest(row interface{ Scan(...any) error }) (*Test, error) {
	var t Test
	var rtoTarget, rpoTarget int64
	var rtoActual, rpoActual sql.NullInt64
	var started sql.NullTime
	var finished sql.NullTime

	err := row.Scan(&t.ID, &t.ScenarioName, &t.ScenarioType, &t.Status,
		&rtoTarget, &rpoTarget, &rtoActual, &rpoActual, &started, &finished)
	if err != nil {
		return nil, err
	}

	t.RTOTarget = time.Duration(rtoTarget) * time.Millisecond
	t.RPOTarget = time.Duration(rpoTarget) * time.Millisecond
	if rtoActual.Valid {
		t.RTOActual = time.Duration(rtoActual.Int64) * time.Millisecond
		t.RTOMeasured = true
	}
	if rpoActual.Valid {
		t.RPOActual = time.Duration(rpoActual.Int64) * time.Millisecond
		t.RPOMeasured = true
	}
	if started.Valid {
		t.StartedAt = started.Time
	}
	if finished.Valid {
		ft := finished.Time
		t.FinishedAt = &ft
	}
	return &t, nil
}

func msOrNull(d time.Duration, measured bool) any {
	if !measured {
		return nil
	}
	return d.Milliseconds()
}

// MemoryStore backs orchestrator tests.
type MemoryStore struct {
	mu        sync.Mutex
	scenarios map[string]Scenario
	tests     map[string]Test
	results   map[string][]Result
	logs      map[string][]Log
	metrics   map[string][]Metric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scenarios: make(map[string]Scenario),
		tests:     make(map[string]Test),
		results:   make(map[string][]Result),
		logs:      make(map[string][]Log),
		metrics:   make(map[string][]Metric),
	}
}

func (s *MemoryStore) SaveScenario(_ context.Context, scenario *Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[scenario.Name] = *scenario
	return nil
}

func (s *MemoryStore) GetScenario(_ context.Context, name string) (*Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scenario, ok := s.scenarios[name]
	if !ok {
		return nil, ErrScenarioNotFound
	}
	copied := scenario
	return &copied, nil
}

func (s *MemoryStore) ListScenarios(_ context.Context) ([]Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scenario, 0, len(s.scenarios))
	for _, scenario := range s.scenarios {
		out = append(out, scenario)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateTest(_ context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[test.ID] = *test
	return nil
}

func (s *MemoryStore) UpdateTest(_ context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[test.ID]; !ok {
		return fmt.Errorf("dr test %s not found", test.ID)
	}
	s.tests[test.ID] = *test
	return nil
}

func (s *MemoryStore) GetTest(_ context.Context, id string) (*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	test, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("dr test %s not found", id)
	}
	copied := test
	return &copied, nil
}

func (s *MemoryStore) ListTests(_ context.Context, from, to time.Time) ([]Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Test
	for _, test := range s.tests {
		if !test.StartedAt.Before(from) && !test.StartedAt.After(to) {
			out = append(out, test)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) AddResult(_ context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.TestID] = append(s.results[result.TestID], *result)
	return nil
}

func (s *MemoryStore) AddLog(_ context.Context, log *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.TestID] = append(s.logs[log.TestID], *log)
	return nil
}

func (s *MemoryStore) AddMetric(_ context.Context, metric *Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[metric.TestID] = append(s.metrics[metric.TestID], *metric)
	return nil
}

func (s *MemoryStore) ListResults(_ context.Context, testID string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results[testID]...), nil
}

func (s *MemoryStore) ListLogs(_ context.Context, testID string) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Log(nil), s.logs[testID]...), nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, testID string) ([]Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metric(nil), s.metrics[testID]...), nil
}
