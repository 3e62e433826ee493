// ABOUTME: Registry of machine records guarded by a single lock
// ABOUTME: Implements wake, shutdown, task push, session opening and agent attachment

package machine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/wol-gateway/internal/agent"
	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
	"github.com/2389/wol-gateway/internal/dedupe"
	"github.com/2389/wol-gateway/internal/watch"
)

// Messages returned by successful operations.
const (
	WakeSentMessage     = "Sent wake on lan successfully"
	ShutdownSentMessage = "Send shutdown command to machine successfully"
)

var (
	probeCommand    = []string{"echo", "ok"}
	shutdownCommand = []string{"sudo", "poweroff"}
)

const logThrottleWindow = 5 * time.Minute

// Options configures a Registry.
type Options struct {
	Waker    WakeSender
	Pinger   Pinger
	Executor Executor

	// Optional collaborators.
	Journal  Journal
	Observer Observer
	Hub      *watch.Hub[[]Info]

	RefreshInterval time.Duration
	WakeTimeout     time.Duration
	ExecTimeout     time.Duration

	Logger *slog.Logger
}

// Registry owns every machine record. All record access goes through mu,
// which is never held across network I/O.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	order    []string

	// publishMu orders snapshot-and-publish so watchers never receive an
	// older list after a newer one.
	publishMu sync.Mutex
	refreshed atomic.Bool

	waker    WakeSender
	pinger   Pinger
	exec     Executor
	journal  Journal
	observer Observer
	hub      *watch.Hub[[]Info]

	refreshInterval time.Duration
	wakeTimeout     time.Duration
	execTimeout     time.Duration

	throttle *dedupe.Cache
	logger   *slog.Logger
}

// NewRegistry builds a registry from machine specs. Names must be unique.
func NewRegistry(specs []Spec, opts Options) (*Registry, error) {
	if opts.Waker == nil || opts.Pinger == nil || opts.Executor == nil {
		return nil, fmt.Errorf("waker, pinger and executor are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	r := &Registry{
		machines:        make(map[string]*Machine, len(specs)),
		waker:           opts.Waker,
		pinger:          opts.Pinger,
		exec:            opts.Executor,
		journal:         opts.Journal,
		observer:        observer,
		hub:             opts.Hub,
		refreshInterval: orDefault(opts.RefreshInterval, config.DefaultRefreshInterval),
		wakeTimeout:     orDefault(opts.WakeTimeout, config.DefaultWakeTimeout),
		execTimeout:     orDefault(opts.ExecTimeout, config.DefaultExecTimeout),
		throttle:        dedupe.New(logThrottleWindow, 1024),
		logger:          logger.With("component", "registry"),
	}

	for _, spec := range specs {
		if _, dup := r.machines[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate machine name %q", spec.Name)
		}
		m, err := newMachine(spec)
		if err != nil {
			return nil, err
		}
		r.machines[spec.Name] = m
		r.order = append(r.order, spec.Name)
	}

	return r, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close releases background resources.
func (r *Registry) Close() {
	r.throttle.Close()
}

// Names returns machine names in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// List returns a snapshot of every machine.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.machines[name].info())
	}
	return out
}

// Get returns the snapshot of one machine.
func (r *Registry) Get(name string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[name]
	if !ok {
		return Info{}, notFound(name)
	}
	return m.info(), nil
}

// publish pushes the current list to watchers. Must be called without mu held.
func (r *Registry) publish() {
	if r.hub == nil {
		return
	}
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.hub.Publish(r.List())
}

// Refreshed reports whether a full refresh pass has completed.
func (r *Registry) Refreshed() bool {
	return r.refreshed.Load()
}

// Wake marks the machine PendingOn, arms the wake timeout and sends the
// magic packet. With dryRun the packet is not sent.
func (r *Registry) Wake(ctx context.Context, name string, dryRun bool) (string, error) {
	r.mu.Lock()
	m, ok := r.machines[name]
	if !ok {
		r.mu.Unlock()
		return "", notFound(name)
	}
	prev := m.setState(StatePendingOn)
	r.armWakeTimeoutLocked(m)
	mac := m.mac
	r.mu.Unlock()

	r.observer.WakeRequested(name, dryRun)
	if prev != StatePendingOn {
		r.observer.StateChanged(name, prev, StatePendingOn)
	}
	r.publish()

	if dryRun {
		r.logger.Info("dry run: not sending wake packet", "machine", name, "mac", mac)
		return WakeSentMessage, nil
	}

	if err := r.waker.Wake(ctx, mac); err != nil {
		r.logger.Error("wake on lan failed", "machine", name, "mac", mac, "error", err)
		return "", &WakeError{Machine: name, Err: err}
	}

	r.logger.Info("sent wake on lan", "machine", name, "mac", mac)
	return WakeSentMessage, nil
}

// Shutdown marks the machine PendingOff and runs poweroff over SSH. The
// returned message reports whether the command could be issued; only an
// unknown machine is an error.
func (r *Registry) Shutdown(ctx context.Context, name string, dryRun bool) (string, error) {
	r.mu.Lock()
	m, ok := r.machines[name]
	if !ok {
		r.mu.Unlock()
		return "", notFound(name)
	}
	prev := m.setState(StatePendingOff)
	addr, creds := m.addr, m.creds
	r.mu.Unlock()

	if prev != StatePendingOff {
		r.observer.StateChanged(name, prev, StatePendingOff)
	}
	r.publish()

	r.logger.Info("shutting down machine", "machine", name, "dry_run", dryRun)
	if dryRun {
		r.logger.Debug("dry run: not running command", "machine", name, "command", strings.Join(shutdownCommand, " "))
		return ShutdownSentMessage, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()
	if _, err := r.exec.Exec(ctx, addr, creds, shutdownCommand); err != nil {
		r.logger.Warn("shutdown command failed", "machine", name, "error", err)
		return fmt.Sprintf("ssh command failed: %v", err), nil
	}
	return ShutdownSentMessage, nil
}

// PushTask validates and queues task. Queuing on a machine that is Off also wakes it.
func (r *Registry) PushTask(ctx context.Context, name string, task Task, dryRun bool) (string, error) {
	r.mu.Lock()
	m, ok := r.machines[name]
	if !ok {
		r.mu.Unlock()
		return "", notFound(name)
	}
	if task.ID < 0 || task.ID >= len(m.tasks) {
		count := len(m.tasks)
		r.mu.Unlock()
		return "", &TaskOutOfRangeError{Machine: name, ID: task.ID, Count: count}
	}
	m.queue.push(task)
	taskName := m.tasks[task.ID].Name
	wasOff := m.state == StateOff
	r.mu.Unlock()

	r.logger.Info("queued task", "machine", name, "task", taskName, "task_id", task.ID)

	if wasOff {
		if _, err := r.Wake(ctx, name, dryRun); err != nil {
			return "", fmt.Errorf("task queued but waking machine failed: %w", err)
		}
	} else {
		r.publish()
	}

	return fmt.Sprintf("Pushed task '%s' successfully", taskName), nil
}

// OpenSession asks the machine's agent to start a remote desktop session.
// The guard is set before sending and rolled back if the send fails.
func (r *Registry) OpenSession(ctx context.Context, name string) error {
	r.mu.Lock()
	m, ok := r.machines[name]
	if !ok {
		r.mu.Unlock()
		return notFound(name)
	}
	if m.agent == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if m.sessionOpened {
		r.mu.Unlock()
		return ErrAlreadyOpened
	}
	m.sessionOpened = true
	conn := m.agent
	r.mu.Unlock()

	if err := conn.Send(ctx, agent.OpenSession{}); err != nil {
		r.mu.Lock()
		if m.agent == conn {
			m.sessionOpened = false
		}
		r.mu.Unlock()
		r.logger.Warn("open session send failed", "machine", name, "error", err)
		return &SendFailedError{Machine: name, Err: err}
	}

	r.logger.Info("requested session", "machine", name, "agent_id", conn.ID)
	r.publish()
	return nil
}

// AttachAgent installs conn as the machine's agent after a hello. Any
// previous connection is closed and the application catalog is replaced.
func (r *Registry) AttachAgent(hello *agent.Hello, conn *agent.Connection) error {
	apps := hello.Applications
	if apps == nil {
		apps = []agent.ApplicationInfo{}
	}

	r.mu.Lock()
	m, ok := r.machines[hello.MachineName]
	if !ok {
		r.mu.Unlock()
		return notFound(hello.MachineName)
	}
	old := m.agent
	m.agent = conn
	m.applications = apps
	m.sessionOpened = false
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing agent connection", "machine", hello.MachineName, "old_agent_id", old.ID)
		_ = old.Close()
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"machine", hello.MachineName,
		"agent_id", conn.ID,
		"applications", len(apps),
	)
	r.observer.AgentChanged(hello.MachineName, true)
	r.publish()
	return nil
}

// HandleSessionClosed clears the session guard when the reporting connection
// is still the machine's agent.
func (r *Registry) HandleSessionClosed(conn *agent.Connection) {
	r.mu.Lock()
	m, ok := r.machines[conn.MachineName]
	changed := ok && m.agent == conn && m.sessionOpened
	if changed {
		m.sessionOpened = false
	}
	r.mu.Unlock()

	if changed {
		r.publish()
	}
}

// SessionTarget returns where and as whom to open an interactive shell.
func (r *Registry) SessionTarget(name string) (string, auth.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[name]
	if !ok {
		return "", auth.Credentials{}, notFound(name)
	}
	return m.addr, m.creds, nil
}

// LatestWakeTimeout returns the handle of the most recently armed wake
// timeout and how many have been armed in total.
func (r *Registry) LatestWakeTimeout(name string) (*WakeTimeout, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[name]
	if !ok {
		return nil, 0, notFound(name)
	}
	return m.wakeTimeout, m.wakeTimeoutsArmed, nil
}
