// ABOUTME: Wake timeout handles that revert an unanswered wake to Off
// ABOUTME: Each wake arms one timeout goroutine whose liveness can be polled

package machine

import (
	"sync/atomic"
	"time"
)

// WakeTimeout tracks one armed wake timeout. It cannot be cancelled: when it
// fires it resets the machine to Off only if it is still PendingOn.
type WakeTimeout struct {
	ArmedAt  time.Time
	Deadline time.Time

	done     chan struct{}
	reverted atomic.Bool
}

// Done is closed once the timeout has fired and performed its check.
func (w *WakeTimeout) Done() <-chan struct{} {
	return w.done
}

// Fired reports whether the timeout has run.
func (w *WakeTimeout) Fired() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Reverted reports whether firing moved the machine back to Off.
func (w *WakeTimeout) Reverted() bool {
	return w.reverted.Load()
}

// armWakeTimeoutLocked starts the timeout goroutine for m. Callers hold r.mu.
func (r *Registry) armWakeTimeoutLocked(m *Machine) *WakeTimeout {
	now := time.Now()
	wt := &WakeTimeout{
		ArmedAt:  now,
		Deadline: now.Add(r.wakeTimeout),
		done:     make(chan struct{}),
	}
	m.wakeTimeout = wt
	m.wakeTimeoutsArmed++

	go r.runWakeTimeout(m, wt)
	return wt
}

func (r *Registry) runWakeTimeout(m *Machine, wt *WakeTimeout) {
	timer := time.NewTimer(time.Until(wt.Deadline))
	defer timer.Stop()
	<-timer.C

	r.mu.Lock()
	reverted := m.state == StatePendingOn
	if reverted {
		m.state = StateOff
		wt.reverted.Store(true)
	}
	r.mu.Unlock()
	close(wt.done)

	if reverted {
		r.logger.Warn("machine did not come up after wake, assuming it failed",
			"machine", m.name,
			"timeout", r.wakeTimeout,
		)
		r.observer.StateChanged(m.name, StatePendingOn, StateOff)
		r.publish()
	}
}
