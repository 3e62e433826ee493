// ABOUTME: The per-machine record owned by the registry and its public snapshot
// ABOUTME: Records are only read or written with the registry lock held

package machine

import (
	"fmt"
	"net"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/2389/wol-gateway/internal/agent"
	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
)

// Spec is the static description of a machine.
type Spec struct {
	Name        string
	Host        string
	MAC         string
	SSHPort     int
	Credentials auth.Credentials
	Tasks       []TaskSpec
}

// SpecsFromConfig converts the configured machines into specs, sorted by name.
func SpecsFromConfig(cfg *config.Config) []Spec {
	specs := make([]Spec, 0, len(cfg.Machines))
	for _, name := range cfg.MachineNames() {
		mc := cfg.Machines[name]
		tasks := make([]TaskSpec, len(mc.Tasks))
		for i, t := range mc.Tasks {
			tasks[i] = TaskSpec{Name: t.Name, Command: t.Command, IconURL: t.IconURL}
		}
		specs = append(specs, Spec{
			Name:        name,
			Host:        mc.IP,
			MAC:         mc.MAC,
			SSHPort:     mc.SSHPort,
			Credentials: auth.Credentials{User: mc.User, KeyPath: mc.PrivateKeyFile},
			Tasks:       tasks,
		})
	}
	return specs
}

// Machine is the mutable record for one configured machine.
type Machine struct {
	// Immutable after construction.
	name    string
	host    string
	mac     string
	sshPort int
	addr    string
	creds   auth.Credentials
	tasks   []TaskSpec

	state         State
	queue         taskQueue
	agent         *agent.Connection
	applications  []agent.ApplicationInfo
	sessionOpened bool
	stats         taskStats

	wakeTimeout       *WakeTimeout
	wakeTimeoutsArmed int

	lastProbe probeResult
}

type probeResult struct {
	at     time.Time
	pingOK bool
	sshOK  bool
}

func newMachine(spec Spec) (*Machine, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("machine name is required")
	}
	if spec.Host == "" {
		return nil, fmt.Errorf("machine %s: host is required", spec.Name)
	}
	hw, err := net.ParseMAC(spec.MAC)
	if err != nil {
		return nil, fmt.Errorf("machine %s: invalid mac: %w", spec.Name, err)
	}
	port := spec.SSHPort
	if port == 0 {
		port = config.DefaultSSHPort
	}

	return &Machine{
		name:    spec.Name,
		host:    spec.Host,
		mac:     hw.String(),
		sshPort: port,
		addr:    net.JoinHostPort(spec.Host, strconv.Itoa(port)),
		creds:   spec.Credentials,
		tasks:   append([]TaskSpec(nil), spec.Tasks...),
		state:   StateUnknown,
	}, nil
}

// setState changes the state and returns the previous one.
func (m *Machine) setState(s State) State {
	prev := m.state
	m.state = s
	return prev
}

// reapAgent drops a connection whose receive loop has ended.
// Returns the dropped connection, if any.
func (m *Machine) reapAgent() *agent.Connection {
	if m.agent == nil || m.agent.Alive() {
		return nil
	}
	dead := m.agent
	m.agent = nil
	m.sessionOpened = false
	return dead
}

// Info is the public snapshot of a machine returned by List.
type Info struct {
	Name           string                          `json:"name"`
	State          State                           `json:"state"`
	Config         InfoConfig                      `json:"config"`
	Applications   map[string][]ApplicationSummary `json:"applications"`
	AgentConnected bool                            `json:"agent_connected"`
	SessionOpened  bool                            `json:"session_opened"`
	QueuedTasks    int                             `json:"queued_tasks"`
	CompletedTasks int                             `json:"completed_tasks"`
	FailedTasks    int                             `json:"failed_tasks"`
	TaskErrors     []TaskError                     `json:"task_errors,omitempty"`
	LastTaskError  string                          `json:"last_task_error,omitempty"`
}

// InfoConfig is the static part of Info.
type InfoConfig struct {
	IP      string     `json:"ip"`
	MAC     string     `json:"mac"`
	SSHPort int        `json:"ssh_port"`
	Tasks   []TaskSpec `json:"tasks"`
}

// ApplicationSummary is an application as shown in the machine list.
type ApplicationSummary struct {
	Name     string `json:"name"`
	IconName string `json:"icon_name,omitempty"`
	Exec     string `json:"exec"`
}

// info builds the snapshot. Callers hold the registry lock.
func (m *Machine) info() Info {
	inf := Info{
		Name:  m.name,
		State: m.state,
		Config: InfoConfig{
			IP:      m.host,
			MAC:     m.mac,
			SSHPort: m.sshPort,
			Tasks:   m.tasks,
		},
		Applications:   groupApplications(m.applications),
		AgentConnected: m.agent != nil,
		SessionOpened:  m.sessionOpened,
		QueuedTasks:    m.queue.len(),
		CompletedTasks: m.stats.completed,
		FailedTasks:    m.stats.failed,
	}
	if len(m.stats.recent) > 0 {
		inf.TaskErrors = append([]TaskError(nil), m.stats.recent...)
		inf.LastTaskError = m.stats.last().String()
	}
	return inf
}

// groupApplications groups applications by category, sorted by name within a group.
// A nil catalog (no hello yet) stays nil.
func groupApplications(apps []agent.ApplicationInfo) map[string][]ApplicationSummary {
	if apps == nil {
		return nil
	}
	groups := make(map[string][]ApplicationSummary)
	for _, app := range apps {
		cat := app.DisplayCategory()
		groups[cat] = append(groups[cat], ApplicationSummary{
			Name:     app.Name,
			IconName: app.IconName,
			Exec:     app.Exec,
		})
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Name < g[j].Name })
	}
	return groups
}

// EqualInfos reports whether two machine lists are identical.
func EqualInfos(a, b []Info) bool {
	return reflect.DeepEqual(a, b)
}
