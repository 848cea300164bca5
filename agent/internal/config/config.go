// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (FLEETSYNC_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	controller:
//	  address: controller.internal:9999
//	  secret_file: /etc/fleetsync/secret
//	  tls:
//	    enabled: true
//	    ca_cert_file: /etc/fleetsync/ca.pem
//
//	agent:
//	  name: edge-us-east-01
//	  tags:
//	    datacenter: us-east-1a
//
//	reconnect:
//	  max_attempts: 5
//	  interval: 5s
//	  backoff: exponential
//
//	health:
//	  heartbeat_interval: 5s
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backoff strategies for the reconnect policy.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config is the complete agent configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Agent      AgentConfig      `yaml:"agent"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Health     HealthConfig     `yaml:"health"`
}

// ControllerConfig defines how to reach the controller.
type ControllerConfig struct {
	Address string `yaml:"address"` // host:port

	// Shared secret for frame authentication. Empty disables it.
	Secret     string `yaml:"secret,omitempty"`
	SecretFile string `yaml:"secret_file,omitempty"`

	TLS TLSConfig `yaml:"tls"`

	// Timeouts
	ConnectTimeout  time.Duration `yaml:"connect_timeout,omitempty"`
	RegisterTimeout time.Duration `yaml:"register_timeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"write_timeout,omitempty"`
}

// TLSConfig enables TLS on the controller connection.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CACertFile         string `yaml:"ca_cert_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// AgentConfig defines agent identity and metadata.
type AgentConfig struct {
	ID   string            `yaml:"id,omitempty"` // requested id; the controller assigns one when empty
	Name string            `yaml:"name"`
	Tags map[string]string `yaml:"tags"` // merged into the capability hints
}

// ReconnectConfig is the retry policy for connect and reconnect.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`
	Backoff     string        `yaml:"backoff"`
}

// HealthConfig defines liveness and clock sync behavior.
type HealthConfig struct {
	// Used until the controller advertises its own interval.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Address:         "127.0.0.1:9999",
			ConnectTimeout:  10 * time.Second,
			RegisterTimeout: 10 * time.Second,
			WriteTimeout:    5 * time.Second,
		},
		Agent: AgentConfig{
			Tags: make(map[string]string),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			Interval:    5 * time.Second,
			MaxInterval: time.Minute,
			Backoff:     BackoffConstant,
		},
		Health: HealthConfig{
			HeartbeatInterval: 5 * time.Second,
			StatsInterval:     time.Second,
			SyncTimeout:       3 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Controller.Address == "" {
		return fmt.Errorf("controller.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Controller.Address); err != nil {
		return fmt.Errorf("controller.address: %w", err)
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.Interval <= 0 {
		return fmt.Errorf("reconnect.interval must be positive")
	}
	switch c.Reconnect.Backoff {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("reconnect.backoff must be %q or %q", BackoffConstant, BackoffExponential)
	}
	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("health.heartbeat_interval must be positive")
	}
	return nil
}

// ResolveSecret returns the shared secret, reading SecretFile when no inline
// secret is set. Trailing whitespace in the file is ignored.
func (c *Config) ResolveSecret() ([]byte, error) {
	if c.Controller.Secret != "" {
		return []byte(c.Controller.Secret), nil
	}
	if c.Controller.SecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Controller.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use FLEETSYNC_ prefix:
// - FLEETSYNC_CONTROLLER_ADDRESS
// - FLEETSYNC_SECRET
// - FLEETSYNC_SECRET_FILE
// - FLEETSYNC_TLS (true/false)
// - FLEETSYNC_AGENT_ID
// - FLEETSYNC_AGENT_NAME
// - FLEETSYNC_AGENT_TAGS (JSON object, e.g., '{"datacenter":"NYC1"}')
// - FLEETSYNC_MAX_RECONNECT_ATTEMPTS
// - FLEETSYNC_RECONNECT_INTERVAL (Go duration)
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FLEETSYNC_CONTROLLER_ADDRESS"); v != "" {
		c.Controller.Address = v
	}
	if v := os.Getenv("FLEETSYNC_SECRET"); v != "" {
		c.Controller.Secret = v
	}
	if v := os.Getenv("FLEETSYNC_SECRET_FILE"); v != "" {
		c.Controller.SecretFile = v
	}
	if v := os.Getenv("FLEETSYNC_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Controller.TLS.Enabled = b
		}
	}
	if v := os.Getenv("FLEETSYNC_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("FLEETSYNC_AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := os.Getenv("FLEETSYNC_AGENT_TAGS"); v != "" {
		var tags map[string]string
		if err := json.Unmarshal([]byte(v), &tags); err == nil {
			if c.Agent.Tags == nil {
				c.Agent.Tags = make(map[string]string)
			}
			for k, val := range tags {
				c.Agent.Tags[k] = val
			}
		}
	}
	if v := os.Getenv("FLEETSYNC_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("FLEETSYNC_RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Reconnect.Interval = d
		}
	}
}
