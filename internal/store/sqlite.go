package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/floe-run/floe/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    workflow    TEXT NOT NULL,
    backend     TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    run_id      TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    state       TEXT NOT NULL,
    backend     TEXT NOT NULL,
    exit_code   INTEGER,
    error_kind  TEXT,
    error       TEXT,
    duration_ms INTEGER,
    started_at  DATETIME,
    finished_at DATETIME,
    PRIMARY KEY (run_id, task_id)
)`

const createLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
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

	for _, stmt := range []string{createRunsTable, createTasksTable, createLogsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, backend, status, error, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workflow, r.Backend, r.Status, r.Error, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, backend, status, error, created_at, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Workflow, &r.Backend, &r.Status, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC, along
// with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, workflow, backend, status, error, created_at, started_at, finished_at
		 FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Backend, &r.Status, &r.Error,
			&r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus updates the status of a run. For terminal statuses it also
// sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	var result sql.Result
	var err error

	switch status {
	case model.RunSucceeded, model.RunFailed, model.RunCanceled:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	case model.RunRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return checkAffected(result)
}

// UpdateRun updates the mutable fields of a run record.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		r.Status, r.Error, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return checkAffected(result)
}

// GetRunStats aggregates run counts and average duration.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus:  make(map[string]int),
		CountByBackend: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	brows, err := s.db.QueryContext(ctx, "SELECT backend, COUNT(*) FROM runs GROUP BY backend")
	if err != nil {
		return nil, fmt.Errorf("count by backend: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var b string
		var n int
		if err := brows.Scan(&b, &n); err != nil {
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		stats.CountByBackend[b] = n
	}
	if err := brows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backend counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400000.0)
		 FROM runs WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (run_id, task_id, state, backend, exit_code, error_kind, error,
			duration_ms, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.TaskID, t.State, t.Backend, t.ExitCode, t.ErrorKind, t.Error,
		t.DurationMS, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask updates the mutable fields of a task record.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.TaskRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, exit_code = ?, error_kind = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		 WHERE run_id = ? AND task_id = ?`,
		t.State, t.ExitCode, t.ErrorKind, t.Error, t.DurationMS, t.StartedAt, t.FinishedAt,
		t.RunID, t.TaskID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkAffected(result)
}

// UpdateTaskState transitions a task's state, validating the transition
// against the task state machine.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, runID, taskID, state string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM tasks WHERE run_id = ? AND task_id = ?", runID, taskID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task state: %w", err)
	}

	if !model.ValidTaskTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	var result sql.Result
	if model.TerminalTaskState(state) {
		result, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET state = ?, finished_at = ? WHERE run_id = ? AND task_id = ?",
			state, time.Now().UTC(), runID, taskID,
		)
	} else if state == model.TaskRunning {
		result, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET state = ?, started_at = ? WHERE run_id = ? AND task_id = ?",
			state, time.Now().UTC(), runID, taskID,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET state = ? WHERE run_id = ? AND task_id = ?",
			state, runID, taskID,
		)
	}
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return checkAffected(result)
}

// ListTasks returns all task records for a run in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, state, backend, exit_code, error_kind, error,
			duration_ms, started_at, finished_at
		 FROM tasks WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		t := &model.TaskRecord{}
		if err := rows.Scan(&t.RunID, &t.TaskID, &t.State, &t.Backend, &t.ExitCode,
			&t.ErrorKind, &t.Error, &t.DurationMS, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// InsertLogLine appends a log line for a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (run_id, task_id, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all log lines for a run ordered by task and sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, task_id, seq, line, created_at
		 FROM task_logs WHERE run_id = ? ORDER BY task_id, seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
