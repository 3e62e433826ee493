// ABOUTME: Errors returned by registry operations
// ABOUTME: Sentinels for lookups and session guards plus typed errors carrying context

package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrMachineNotFound indicates the named machine is not configured.
	ErrMachineNotFound = errors.New("machine does not exist")

	// ErrAlreadyOpened indicates a session was already requested and not yet closed.
	ErrAlreadyOpened = errors.New("session already opened")

	// ErrNotConnected indicates the machine has no live agent connection.
	ErrNotConnected = errors.New("agent not connected")

	// ErrSendFailed indicates the agent transport rejected a message.
	ErrSendFailed = errors.New("sending to agent failed")
)

// TaskOutOfRangeError is returned when a task id does not index the machine's task list.
type TaskOutOfRangeError struct {
	Machine string
	ID      int
	Count   int
}

func (e *TaskOutOfRangeError) Error() string {
	return fmt.Sprintf("machine %s has no task %d: expected an id in [0, %d)", e.Machine, e.ID, e.Count)
}

// SendFailedError wraps the transport failure of an open-session request.
// It matches ErrSendFailed with errors.Is.
type SendFailedError struct {
	Machine string
	Err     error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("sending open session to agent on %s: %v", e.Machine, e.Err)
}

func (e *SendFailedError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

// WakeError wraps a failure to transmit the wake packet.
type WakeError struct {
	Machine string
	Err     error
}

func (e *WakeError) Error() string {
	return fmt.Sprintf("sending wake on lan to %s: %v", e.Machine, e.Err)
}

func (e *WakeError) Unwrap() error { return e.Err }

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrMachineNotFound, name)
}
