// ABOUTME: Task-run journal types and the Store interface
// ABOUTME: Records every queued task execution for the task_runs API

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TaskRun is one execution of a queued task on a machine.
type TaskRun struct {
	ID         string    `json:"id"`
	Machine    string    `json:"machine"`
	TaskID     int       `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *TaskRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the journal of task executions.
type Store interface {
	RecordTaskRun(ctx context.Context, run *TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	// ListTaskRuns returns the most recent runs for machine, newest first.
	ListTaskRuns(ctx context.Context, machine string, limit int) ([]*TaskRun, error)
	Close() error
}
