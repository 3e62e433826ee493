// ABOUTME: Prometheus collector for machine lifecycle and session activity
// ABOUTME: Implements the registry observer and serves its own metrics registry

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/wol-gateway/internal/machine"
)

const namespace = "wol_gateway"

// Collector records gateway metrics.
type Collector struct {
	registry *prometheus.Registry

	machineState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	wakes           *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	agentsConnected *prometheus.GaugeVec
	sessionsActive  prometheus.Gauge
	sessionFailures *prometheus.CounterVec
}

var _ machine.Observer = (*Collector)(nil)

// New creates a collector with Go runtime and process metrics included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		machineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machine_state",
			Help:      "1 for the current power state of each machine, 0 for the others.",
		}, []string{"machine", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_state_transitions_total",
			Help:      "Power state transitions by target state.",
		}, []string{"machine", "to"}),
		wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_requests_total",
			Help:      "Wake requests, split by dry run.",
		}, []string{"machine", "dry_run"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Executed tasks by result.",
		}, []string{"machine", "result"}),
		agentsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connected",
			Help:      "1 while the machine's agent is connected.",
		}, []string{"machine"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ssh_sessions_active",
			Help:      "Browser terminal sessions currently open.",
		}),
		sessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssh_session_failures_total",
			Help:      "Terminal sessions that failed during setup, by stage.",
		}, []string{"stage"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.machineState,
		c.transitions,
		c.wakes,
		c.tasks,
		c.agentsConnected,
		c.sessionsActive,
		c.sessionFailures,
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InitMachine sets the state gauge of a machine before its first transition.
func (c *Collector) InitMachine(name string, state machine.State) {
	c.setState(name, state)
	c.agentsConnected.WithLabelValues(name).Set(0)
}

func (c *Collector) setState(name string, state machine.State) {
	for _, s := range machine.AllStates() {
		v := 0.0
		if s == state {
			v = 1
		}
		c.machineState.WithLabelValues(name, s.String()).Set(v)
	}
}

func (c *Collector) StateChanged(name string, _, to machine.State) {
	c.setState(name, to)
	c.transitions.WithLabelValues(name, to.String()).Inc()
}

func (c *Collector) WakeRequested(name string, dryRun bool) {
	label := "false"
	if dryRun {
		label = "true"
	}
	c.wakes.WithLabelValues(name, label).Inc()
}

func (c *Collector) TaskFinished(name string, succeeded bool) {
	result := "failure"
	if succeeded {
		result = "success"
	}
	c.tasks.WithLabelValues(name, result).Inc()
}

func (c *Collector) AgentChanged(name string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	c.agentsConnected.WithLabelValues(name).Set(v)
}

// SessionOpened records a terminal session that started.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
}

// SessionClosed records a terminal session that ended.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// SessionFailed records a terminal session that failed during setup.
func (c *Collector) SessionFailed(stage string) {
	c.sessionFailures.WithLabelValues(stage).Inc()
}
