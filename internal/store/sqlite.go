package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nparley/prefect/internal/model"

	_ "modernc.org/sqlite"
)

const createFlowRunsTable = `
CREATE TABLE IF NOT EXISTS flow_runs (
    id          TEXT PRIMARY KEY,
    flow_name   TEXT NOT NULL,
    state_type  TEXT NOT NULL,
    state_name  TEXT NOT NULL,
    message     TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    duration_ms INTEGER
)`

const createTaskRunsTable = `
CREATE TABLE IF NOT EXISTS task_runs (
    id          TEXT PRIMARY KEY,
    flow_run_id TEXT,
    task_name   TEXT NOT NULL,
    key         TEXT NOT NULL,
    state_type  TEXT NOT NULL,
    state_name  TEXT NOT NULL,
    message     TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    duration_ms INTEGER
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createFlowRunsTable, createTaskRunsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateFlowRun inserts a new flow run record.
func (s *SQLiteStore) CreateFlowRun(ctx context.Context, fr *model.FlowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (
			id, flow_name, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fr.ID, fr.FlowName, fr.StateType, fr.StateName, fr.Message,
		fr.CreatedAt, fr.StartedAt, fr.FinishedAt, fr.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert flow run: %w", err)
	}
	return nil
}

// GetFlowRun retrieves a flow run by ID.
func (s *SQLiteStore) GetFlowRun(ctx context.Context, id string) (*model.FlowRun, error) {
	fr := &model.FlowRun{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		FROM flow_runs WHERE id = ?`, id,
	).Scan(
		&fr.ID, &fr.FlowName, &fr.StateType, &fr.StateName, &fr.Message,
		&fr.CreatedAt, &fr.StartedAt, &fr.FinishedAt, &fr.DurationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow run: %w", err)
	}
	return fr, nil
}

// ListFlowRuns returns a paginated list of flow runs ordered by created_at
// DESC, along with the total count of all flow runs.
func (s *SQLiteStore) ListFlowRuns(ctx context.Context, limit, offset int) ([]*model.FlowRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM flow_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flow runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, flow_name, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		FROM flow_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list flow runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.FlowRun
	for rows.Next() {
		fr := &model.FlowRun{}
		if err := rows.Scan(
			&fr.ID, &fr.FlowName, &fr.StateType, &fr.StateName, &fr.Message,
			&fr.CreatedAt, &fr.StartedAt, &fr.FinishedAt, &fr.DurationMS,
		); err != nil {
			return nil, 0, fmt.Errorf("scan flow run: %w", err)
		}
		runs = append(runs, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate flow runs: %w", err)
	}

	return runs, total, nil
}

// UpdateFlowRunState transitions a flow run to a new state, enforcing the
// lifecycle transition rules.
func (s *SQLiteStore) UpdateFlowRunState(ctx context.Context, id string, st model.State) error {
	return s.updateRunState(ctx, "flow_runs", id, st)
}

// CreateTaskRun inserts a new task run record.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, tr *model.TaskRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (
			id, flow_run_id, task_name, key, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.FlowRunID, tr.TaskName, tr.Key, tr.StateType, tr.StateName, tr.Message,
		tr.CreatedAt, tr.StartedAt, tr.FinishedAt, tr.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// GetTaskRun retrieves a task run by ID.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (*model.TaskRun, error) {
	tr := &model.TaskRun{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_run_id, task_name, key, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		FROM task_runs WHERE id = ?`, id,
	).Scan(
		&tr.ID, &tr.FlowRunID, &tr.TaskName, &tr.Key, &tr.StateType, &tr.StateName, &tr.Message,
		&tr.CreatedAt, &tr.StartedAt, &tr.FinishedAt, &tr.DurationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task run: %w", err)
	}
	return tr, nil
}

// ListTaskRuns returns a paginated list of task runs ordered by created_at
// DESC, along with the total count. A non-empty flowRunID restricts the list
// to that flow run.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, flowRunID string, limit, offset int) ([]*model.TaskRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if flowRunID != "" {
		where = " WHERE flow_run_id = ?"
		args = append(args, flowRunID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, flow_run_id, task_name, key, state_type, state_name, message,
			created_at, started_at, finished_at, duration_ms
		FROM task_runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.TaskRun
	for rows.Next() {
		tr := &model.TaskRun{}
		if err := rows.Scan(
			&tr.ID, &tr.FlowRunID, &tr.TaskName, &tr.Key, &tr.StateType, &tr.StateName, &tr.Message,
			&tr.CreatedAt, &tr.StartedAt, &tr.FinishedAt, &tr.DurationMS,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task runs: %w", err)
	}

	return runs, total, nil
}

// UpdateTaskRunState transitions a task run to a new state, enforcing the
// lifecycle transition rules.
func (s *SQLiteStore) UpdateTaskRunState(ctx context.Context, id string, st model.State) error {
	return s.updateRunState(ctx, "task_runs", id, st)
}

// updateRunState performs the guarded state transition for either run table.
// Same-type updates are allowed while the run is non-terminal so that a
// pending run can be renamed (e.g. to NotReady) without a type change.
func (s *SQLiteStore) updateRunState(ctx context.Context, table, id string, st model.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.StateType
	var startedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		"SELECT state_type, started_at FROM "+table+" WHERE id = ?", id,
	).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}

	sameNonTerminal := current == st.Type && !current.IsTerminal()
	if !sameNonTerminal && !model.ValidTransition(current, st.Type) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, st.Type)
	}

	now := time.Now().UTC()
	switch {
	case st.Type == model.StateTypeRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE "+table+" SET state_type = ?, state_name = ?, message = ?, started_at = ? WHERE id = ?",
			st.Type, st.Name, st.Message, now, id,
		)
	case st.Type.IsTerminal():
		var durationMS any
		if startedAt.Valid {
			durationMS = now.Sub(startedAt.Time).Milliseconds()
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE "+table+" SET state_type = ?, state_name = ?, message = ?, finished_at = ?, duration_ms = ? WHERE id = ?",
			st.Type, st.Name, st.Message, now, durationMS, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE "+table+" SET state_type = ?, state_name = ?, message = ? WHERE id = ?",
			st.Type, st.Name, st.Message, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state update: %w", err)
	}
	return nil
}

// GetRunStats returns aggregate task-run statistics.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByState: make(map[string]int),
		CountByTask:  make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_runs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count task runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT state_type, COUNT(*) FROM task_runs GROUP BY state_type")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT task_name, COUNT(*) FROM task_runs GROUP BY task_name")
	if err != nil {
		return nil, fmt.Errorf("count by task: %w", err)
	}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		stats.CountByTask[name] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM task_runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
