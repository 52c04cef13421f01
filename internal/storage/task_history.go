package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/grid-scheduler/internal/model"
)

// TaskRun is a historical record of one task executed on this executor.
type TaskRun struct {
	ID          string          `json:"id"`
	TaskID      int64           `json:"task_id"`
	ExecutorID  string          `json:"executor_id"`
	Name        string          `json:"name"`
	State       model.TaskState `json:"state"`
	Result      []byte          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskRunStore persists executor-side task execution history. The driver
// keeps no such state; this exists for operators digging into what an
// executor actually ran.
type TaskRunStore interface {
	// Record stores a new task run.
	Record(ctx context.Context, run *TaskRun) error

	// Update overwrites an existing task run.
	Update(ctx context.Context, run *TaskRun) error

	// Get retrieves a task run by record ID.
	Get(ctx context.Context, id string) (*TaskRun, error)

	// List retrieves the most recent task runs, newest first.
	List(ctx context.Context, limit int) ([]*TaskRun, error)

	// DeleteBefore deletes runs started before the given time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store.
	Close() error
}

// SQLiteTaskRunStore implements TaskRunStore on a local SQLite file.
type SQLiteTaskRunStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskRunStore opens (and if needed initializes) the store at dbPath.
func NewSQLiteTaskRunStore(logger *zap.Logger, dbPath string) (*SQLiteTaskRunStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task history db: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id INTEGER NOT NULL,
		executor_id TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		result BLOB,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize task history schema: %w", err)
	}

	return &SQLiteTaskRunStore{logger: logger.Named("task-history"), db: db}, nil
}

// Record stores a new task run.
func (s *SQLiteTaskRunStore) Record(ctx context.Context, run *TaskRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_id, executor_id, name, state, result, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.ExecutorID, run.Name, string(run.State),
		run.Result, run.Error, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}
	return nil
}

// Update overwrites an existing task run.
func (s *SQLiteTaskRunStore) Update(ctx context.Context, run *TaskRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET state = ?, result = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(run.State), run.Result, run.Error, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task run %s not found", run.ID)
	}
	return nil
}

// Get retrieves a task run by record ID.
func (s *SQLiteTaskRunStore) Get(ctx context.Context, id string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, executor_id, name, state, result, error, started_at, completed_at
		 FROM task_runs WHERE id = ?`, id)
	return scanTaskRun(row)
}

// List retrieves the most recent task runs, newest first.
func (s *SQLiteTaskRunStore) List(ctx context.Context, limit int) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, executor_id, name, state, result, error, started_at, completed_at
		 FROM task_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteBefore deletes runs started before the given time.
func (s *SQLiteTaskRunStore) DeleteBefore(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete old task runs: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLiteTaskRunStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (*TaskRun, error) {
	var run TaskRun
	var state string
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.TaskID, &run.ExecutorID, &run.Name, &state,
		&run.Result, &run.Error, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task run: %w", err)
	}

	run.State = model.TaskState(state)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}
