// ABOUTME: Configuration for the on-machine agent
// ABOUTME: Loaded from YAML with unknown keys rejected

package agentclient

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/wol-gateway/internal/agent"
)

// Retry defaults used when the config leaves them unset.
const (
	DefaultMaxRetries    = 32
	DefaultRetryInterval = time.Second
)

const agentPath = "/api/machine/agent"

// Config is the agent's configuration file.
type Config struct {
	// MachineName must match a machine configured on the gateway.
	MachineName string `yaml:"machine_name"`
	// Domain is the gateway base URL, e.g. ws://192.168.1.1:3030.
	Domain string `yaml:"domain"`
	// StartSessionCmd is run with sh -c when a session is requested.
	StartSessionCmd string `yaml:"start_vdi_cmd"`

	Applications []agent.ApplicationInfo `yaml:"applications"`

	MaxRetries       int           `yaml:"max_retries"`
	RetryIntervalRaw string        `yaml:"retry_interval"`
	RetryInterval    time.Duration `yaml:"-"`
}

// LoadConfig reads and validates the agent config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if cfg.RetryIntervalRaw != "" {
		cfg.RetryInterval, err = time.ParseDuration(cfg.RetryIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing retry_interval: %w", err)
		}
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
}

// Validate checks the config for required fields.
func (c *Config) Validate() error {
	if c.MachineName == "" {
		return errors.New("machine_name is required")
	}
	if c.Domain == "" {
		return errors.New("domain is required")
	}
	if c.StartSessionCmd == "" {
		return errors.New("start_vdi_cmd is required")
	}
	if c.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if c.RetryInterval < 0 {
		return errors.New("retry_interval must not be negative")
	}
	hello := agent.Hello{MachineName: c.MachineName, Applications: c.Applications}
	return hello.Validate()
}

// URL returns the gateway's agent endpoint.
func (c *Config) URL() string {
	return strings.TrimRight(c.Domain, "/") + agentPath
}
