// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: The database is in memory and lives as long as the process

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// memoryDSN selects a private in-memory database.
const memoryDSN = ":memory:"

// timeFormat has fixed-width fractions so string order is time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates an in-memory SQLite store and its schema.
func NewSQLiteStore() (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("sqlite", memoryDSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized")
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			machine TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			task_name TEXT NOT NULL,
			command TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_task_runs_machine_started
			ON task_runs(machine, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordTaskRun inserts a run. An empty ID is filled with a new UUID.
func (s *SQLiteStore) RecordTaskRun(ctx context.Context, run *TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	query := `
		INSERT INTO task_runs (id, machine, task_id, task_name, command, started_at, finished_at, succeeded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Machine,
		run.TaskID,
		run.TaskName,
		run.Command,
		run.StartedAt.UTC().Format(timeFormat),
		run.FinishedAt.UTC().Format(timeFormat),
		run.Succeeded,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting task run: %w", err)
	}

	s.logger.Debug("recorded task run",
		"id", run.ID,
		"machine", run.Machine,
		"task", run.TaskName,
		"succeeded", run.Succeeded,
	)
	return nil
}

// GetTaskRun returns a single run by ID or ErrNotFound.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx, taskRunSelect+` WHERE id = ?`, id)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListTaskRuns returns the most recent runs for machine, newest first.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, machine string, limit int) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		taskRunSelect+` WHERE machine = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		machine, normalizeListLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying task runs: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task runs: %w", err)
	}
	return runs, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskRunSelect = `
	SELECT id, machine, task_id, task_name, command, started_at, finished_at, succeeded, error
	FROM task_runs`

// normalizeListLimit applies the default and cap to a list limit.
func normalizeListLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// scanTaskRun scans a row into a TaskRun.
func scanTaskRun(scanner interface{ Scan(dest ...any) error }) (*TaskRun, error) {
	var run TaskRun
	var startedStr, finishedStr string

	if err := scanner.Scan(
		&run.ID,
		&run.Machine,
		&run.TaskID,
		&run.TaskName,
		&run.Command,
		&startedStr,
		&finishedStr,
		&run.Succeeded,
		&run.Error,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task run: %w", err)
	}

	var err error
	if run.StartedAt, err = time.Parse(timeFormat, startedStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(timeFormat, finishedStr); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &run, nil
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
