// ABOUTME: Configuration loading and parsing for wol-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultSSHPort         = 22
	DefaultSSHUser         = "root"
	DefaultRefreshInterval = 2 * time.Second
	DefaultWakeTimeout     = 60 * time.Second
	DefaultPingTimeout     = time.Second
	DefaultExecTimeout     = 30 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultHelloTimeout    = 10 * time.Second
	DefaultBroadcastAddr   = "255.255.255.255:9"
	DefaultMaxMessageSize  = 1 << 30
	DefaultMetricsPath     = "/metrics"
)

// Config represents the complete wol-gateway configuration
type Config struct {
	Server    ServerConfig             `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig          `yaml:"tailscale" toml:"tailscale"`
	SSH       SSHConfig                `yaml:"ssh" toml:"ssh"`
	Lifecycle LifecycleConfig          `yaml:"lifecycle" toml:"lifecycle"`
	Agents    AgentsConfig             `yaml:"agents" toml:"agents"`
	Logging   LoggingConfig            `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig            `yaml:"metrics" toml:"metrics"`
	Machines  map[string]MachineConfig `yaml:"machines" toml:"machines"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// DryRun makes wake, shutdown and task pushes log instead of touching machines.
	DryRun         bool     `yaml:"dry_run" toml:"dry_run"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// SSHConfig holds the defaults used for every outbound SSH connection
type SSHConfig struct {
	User           string `yaml:"user" toml:"user"`
	PrivateKeyFile string `yaml:"private_key_file" toml:"private_key_file"`
	// KnownHostsFile enables host key verification. Empty accepts any host key.
	KnownHostsFile string `yaml:"known_hosts_file" toml:"known_hosts_file"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// LifecycleConfig holds the timings of the probe loop and wake handling
type LifecycleConfig struct {
	RefreshInterval time.Duration `yaml:"-" toml:"-"`
	WakeTimeout     time.Duration `yaml:"-" toml:"-"`
	PingTimeout     time.Duration `yaml:"-" toml:"-"`
	ExecTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
	WakeTimeoutRaw     string `yaml:"wake_timeout" toml:"wake_timeout"`
	PingTimeoutRaw     string `yaml:"ping_timeout" toml:"ping_timeout"`
	ExecTimeoutRaw     string `yaml:"exec_timeout" toml:"exec_timeout"`

	PingPrivileged bool   `yaml:"ping_privileged" toml:"ping_privileged"`
	BroadcastAddr  string `yaml:"broadcast_addr" toml:"broadcast_addr"`
}

// AgentsConfig holds agent control channel configuration
type AgentsConfig struct {
	HelloTimeout    time.Duration `yaml:"-" toml:"-"`
	HelloTimeoutRaw string        `yaml:"hello_timeout" toml:"hello_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" toml:"max_message_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// MachineConfig describes one managed machine
type MachineConfig struct {
	IP             string       `yaml:"ip" toml:"ip"`
	MAC            string       `yaml:"mac" toml:"mac"`
	SSHPort        int          `yaml:"ssh_port" toml:"ssh_port"`
	User           string       `yaml:"user" toml:"user"`
	PrivateKeyFile string       `yaml:"private_key_file" toml:"private_key_file"`
	Tasks          []TaskConfig `yaml:"tasks" toml:"tasks"`
}

// TaskConfig is a command that can be queued against a machine by index
type TaskConfig struct {
	Name    string   `yaml:"name" toml:"name" json:"name"`
	Command []string `yaml:"command" toml:"command" json:"command"`
	IconURL string   `yaml:"icon_url" toml:"icon_url" json:"icon_url,omitempty"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path used when none is given on the command line.
func DefaultPath() string {
	if p := os.Getenv("WOL_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "wol-gateway", "config.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = DefaultSSHUser
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Lifecycle.RefreshInterval == 0 {
		c.Lifecycle.RefreshInterval = DefaultRefreshInterval
	}
	if c.Lifecycle.WakeTimeout == 0 {
		c.Lifecycle.WakeTimeout = DefaultWakeTimeout
	}
	if c.Lifecycle.PingTimeout == 0 {
		c.Lifecycle.PingTimeout = DefaultPingTimeout
	}
	if c.Lifecycle.ExecTimeout == 0 {
		c.Lifecycle.ExecTimeout = DefaultExecTimeout
	}
	if c.Lifecycle.BroadcastAddr == "" {
		c.Lifecycle.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.Agents.HelloTimeout == 0 {
		c.Agents.HelloTimeout = DefaultHelloTimeout
	}
	if c.Agents.MaxMessageSize == 0 {
		c.Agents.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	for name, m := range c.Machines {
		if m.SSHPort == 0 {
			m.SSHPort = DefaultSSHPort
		}
		if m.User == "" {
			m.User = c.SSH.User
		}
		if m.PrivateKeyFile == "" {
			m.PrivateKeyFile = c.SSH.PrivateKeyFile
		}
		c.Machines[name] = m
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.SSH.PrivateKeyFile == "" {
		return fmt.Errorf("ssh.private_key_file is required")
	}

	if c.Lifecycle.RefreshInterval < 0 || c.Lifecycle.WakeTimeout < 0 ||
		c.Lifecycle.PingTimeout < 0 || c.Lifecycle.ExecTimeout < 0 {
		return fmt.Errorf("lifecycle durations must be positive")
	}

	if c.Agents.MaxMessageSize < 0 {
		return fmt.Errorf("agents.max_message_size must be positive")
	}

	for _, name := range c.MachineNames() {
		m := c.Machines[name]
		if m.IP == "" {
			return fmt.Errorf("machines.%s.ip is required", name)
		}
		if _, err := net.ParseMAC(m.MAC); err != nil {
			return fmt.Errorf("machines.%s.mac %q is invalid: %w", name, m.MAC, err)
		}
		if m.SSHPort < 1 || m.SSHPort > 65535 {
			return fmt.Errorf("machines.%s.ssh_port %d is out of range", name, m.SSHPort)
		}
		for i, task := range m.Tasks {
			if len(task.Command) == 0 {
				return fmt.Errorf("machines.%s.tasks[%d].command is required", name, i)
			}
		}
	}

	return nil
}

// MachineNames returns the configured machine names in sorted order.
func (c *Config) MachineNames() []string {
	names := make([]string, 0, len(c.Machines))
	for name := range c.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ssh.connect_timeout", cfg.SSH.ConnectTimeoutRaw, &cfg.SSH.ConnectTimeout},
		{"lifecycle.refresh_interval", cfg.Lifecycle.RefreshIntervalRaw, &cfg.Lifecycle.RefreshInterval},
		{"lifecycle.wake_timeout", cfg.Lifecycle.WakeTimeoutRaw, &cfg.Lifecycle.WakeTimeout},
		{"lifecycle.ping_timeout", cfg.Lifecycle.PingTimeoutRaw, &cfg.Lifecycle.PingTimeout},
		{"lifecycle.exec_timeout", cfg.Lifecycle.ExecTimeoutRaw, &cfg.Lifecycle.ExecTimeout},
		{"agents.hello_timeout", cfg.Agents.HelloTimeoutRaw, &cfg.Agents.HelloTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
