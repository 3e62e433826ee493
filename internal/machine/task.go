// ABOUTME: Queued tasks and the bounded record of task failures
// ABOUTME: Tasks index a machine's configured commands and drain in FIFO order

package machine

import (
	"fmt"
	"time"
)

// maxTaskErrors bounds the recent task errors kept per machine.
const maxTaskErrors = 16

// Task asks for the configured command at index ID to run once the machine is on.
type Task struct {
	ID int `json:"id"`
}

// TaskSpec is a configured command that tasks refer to by index.
type TaskSpec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	IconURL string   `json:"icon_url,omitempty"`
}

// TaskError describes one failed task execution.
type TaskError struct {
	TaskID   int       `json:"task_id"`
	TaskName string    `json:"task_name"`
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
}

func (e TaskError) String() string {
	return fmt.Sprintf("task '%s' failed: %s", e.TaskName, e.Message)
}

// taskQueue holds pending tasks in arrival order.
type taskQueue struct {
	items []Task
}

func (q *taskQueue) push(t Task) {
	q.items = append(q.items, t)
}

// takeAll empties the queue and returns its tasks oldest first.
func (q *taskQueue) takeAll() []Task {
	items := q.items
	q.items = nil
	return items
}

func (q *taskQueue) len() int {
	return len(q.items)
}

// taskStats accumulates drain outcomes.
type taskStats struct {
	completed int
	failed    int
	recent    []TaskError // oldest first, at most maxTaskErrors
}

func (s *taskStats) record(err *TaskError) {
	if err == nil {
		s.completed++
		return
	}
	s.failed++
	s.recent = append(s.recent, *err)
	if len(s.recent) > maxTaskErrors {
		s.recent = append([]TaskError(nil), s.recent[len(s.recent)-maxTaskErrors:]...)
	}
}

func (s *taskStats) last() *TaskError {
	if len(s.recent) == 0 {
		return nil
	}
	e := s.recent[len(s.recent)-1]
	return &e
}
