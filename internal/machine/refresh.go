// ABOUTME: Periodic refresh loop probing every machine and draining task queues
// ABOUTME: The registry lock is taken per machine and released around every network call

package machine

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/store"
)

// Run refreshes every machine, waits the refresh interval and repeats until
// ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info("refresh loop started", "interval", r.refreshInterval, "machines", len(r.order))
	for {
		r.Refresh(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("refresh loop stopped")
			return nil
		case <-time.After(r.refreshInterval):
		}
	}
}

// Refresh probes all machines concurrently and returns when every machine
// has been updated.
func (r *Registry) Refresh(ctx context.Context) {
	var g errgroup.Group
	for _, name := range r.order {
		g.Go(func() error {
			r.refreshMachine(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	r.refreshed.Store(true)
	r.publish()
}

type drainedTask struct {
	task Task
	spec TaskSpec
}

func (r *Registry) refreshMachine(ctx context.Context, name string) {
	r.mu.Lock()
	m := r.machines[name]
	dead := m.reapAgent()
	host, addr, creds := m.host, m.addr, m.creds
	r.mu.Unlock()

	if dead != nil {
		r.logger.Info("=== AGENT DISCONNECTED ===", "machine", name, "agent_id", dead.ID, "reason", dead.Err())
		r.observer.AgentChanged(name, false)
	}

	pingOK, sshOK := r.probe(ctx, name, host, addr, creds)

	r.mu.Lock()
	prev := m.state
	next := NextState(sshOK, pingOK, prev)
	m.state = next
	m.lastProbe = probeResult{at: time.Now(), pingOK: pingOK, sshOK: sshOK}
	var drained []drainedTask
	if next == StateOn {
		for _, t := range m.queue.takeAll() {
			drained = append(drained, drainedTask{task: t, spec: m.tasks[t.ID]})
		}
	}
	r.mu.Unlock()

	if prev != next {
		r.logger.Info("machine state changed", "machine", name, "from", prev, "to", next)
		r.observer.StateChanged(name, prev, next)
	}

	if len(drained) == 0 {
		return
	}

	results := make([]*TaskError, len(drained))
	for i, d := range drained {
		results[i] = r.runTask(ctx, name, addr, creds, d)
	}

	r.mu.Lock()
	for _, res := range results {
		m.stats.record(res)
	}
	r.mu.Unlock()
}

// probe pings host and, when it answers, checks that SSH accepts a command.
func (r *Registry) probe(ctx context.Context, name, host, addr string, creds auth.Credentials) (bool, bool) {
	pingOK, err := r.pinger.Ping(ctx, host)
	if err != nil {
		r.logThrottled(name+":ping", "ping probe failed", "machine", name, "error", err)
	}
	if !pingOK {
		r.throttle.Forget(name + ":ssh")
		return false, false
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()
	if _, err := r.exec.Exec(execCtx, addr, creds, probeCommand); err != nil {
		r.logThrottled(name+":ssh", "machine answers ping but not ssh", "machine", name, "error", err)
		return true, false
	}
	r.throttle.Forget(name + ":ssh")
	return true, true
}

// logThrottled warns once per window for key and mentions how many repeats were hidden.
func (r *Registry) logThrottled(key, msg string, args ...any) {
	ok, skipped := r.throttle.Allow(key)
	if !ok {
		return
	}
	if skipped > 0 {
		args = append(args, "suppressed", skipped)
	}
	r.logger.Warn(msg, args...)
}

// runTask executes one drained task and journals the outcome.
func (r *Registry) runTask(ctx context.Context, name, addr string, creds auth.Credentials, d drainedTask) *TaskError {
	run := &store.TaskRun{
		Machine:   name,
		TaskID:    d.task.ID,
		TaskName:  d.spec.Name,
		Command:   strings.Join(d.spec.Command, " "),
		StartedAt: time.Now(),
	}

	r.logger.Info("running task", "machine", name, "task", d.spec.Name, "command", run.Command)

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	_, err := r.exec.Exec(execCtx, addr, creds, d.spec.Command)
	cancel()

	run.FinishedAt = time.Now()
	run.Succeeded = err == nil

	var taskErr *TaskError
	if err != nil {
		run.Error = err.Error()
		taskErr = &TaskError{
			TaskID:   d.task.ID,
			TaskName: d.spec.Name,
			At:       run.FinishedAt,
			Message:  err.Error(),
		}
		r.logger.Warn("task failed", "machine", name, "task", d.spec.Name, "error", err)
	}

	r.observer.TaskFinished(name, run.Succeeded)
	if r.journal != nil {
		if err := r.journal.RecordTaskRun(ctx, run); err != nil {
			r.logger.Error("recording task run", "machine", name, "error", err)
		}
	}
	return taskErr
}
