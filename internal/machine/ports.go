// ABOUTME: Interfaces the registry uses to reach machines and report what happened
// ABOUTME: Implemented by package probe, the SQLite journal and the metrics collector

package machine

import (
	"context"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/store"
)

// WakeSender transmits a Wake-on-LAN magic packet for mac.
type WakeSender interface {
	Wake(ctx context.Context, mac string) error
}

// Pinger reports whether host answers an ICMP echo.
// An error means the probe itself could not run and counts as unreachable.
type Pinger interface {
	Ping(ctx context.Context, host string) (bool, error)
}

// Executor runs argv on the machine at addr over SSH and returns its output.
// A non-zero exit status is an error.
type Executor interface {
	Exec(ctx context.Context, addr string, creds auth.Credentials, argv []string) ([]byte, error)
}

// Journal records task executions.
type Journal interface {
	RecordTaskRun(ctx context.Context, run *store.TaskRun) error
}

// Observer is told about registry events. Implementations must not block.
type Observer interface {
	StateChanged(machine string, from, to State)
	WakeRequested(machine string, dryRun bool)
	TaskFinished(machine string, succeeded bool)
	AgentChanged(machine string, connected bool)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State, State) {}
func (nopObserver) WakeRequested(string, bool)        {}
func (nopObserver) TaskFinished(string, bool)         {}
func (nopObserver) AgentChanged(string, bool)         {}
