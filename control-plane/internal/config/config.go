package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete control plane configuration.
//
// # Example Config File
//
//	listen_addr: ":9999"
//	max_agents: 50
//	tls:
//	  cert_file: /etc/fleetsync/tls.crt
//	  key_file: /etc/fleetsync/tls.key
//	secret:
//	  backend: 1password
//	  item: fleet-shared-secret
//	api:
//	  addr: ":8080"
//	  key_hash: "$2a$10$..."
//	redis_url: redis://localhost:6379/0
//	database_url: postgres://localhost:5432/fleetsync?sslmode=disable
//	resources:
//	  max_cpu_percent: 90
//	  max_memory_percent: 80
//	policy:
//	  allowed_networks: ["10.0.0.0/8", "staging.example.net"]
//	  allowed_protocols: ["noop", "tcp"]
//	  max_duration: 10m
type Config struct {
	ListenAddr string    `yaml:"listen_addr"`
	MaxAgents  int       `yaml:"max_agents"`
	TLS        TLSConfig `yaml:"tls"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Start     StartConfig     `yaml:"start"`
	Stats     StatsConfig     `yaml:"stats"`

	Secret    SecretConfig   `yaml:"secret"`
	API       APIConfig      `yaml:"api"`
	Resources ResourceConfig `yaml:"resources"`
	Policy    PolicyConfig   `yaml:"policy"`

	RedisURL    string `yaml:"redis_url,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// TLSConfig enables TLS on the agent listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// HeartbeatConfig controls failure detection.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	EvictionGrace time.Duration `yaml:"eviction_grace"`
}

// StartConfig controls coordinated starts.
type StartConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Lead         time.Duration `yaml:"lead"`
	PhaseDelay   time.Duration `yaml:"phase_delay"`
}

// StatsConfig controls aggregation.
type StatsConfig struct {
	Interval    time.Duration `yaml:"interval"`
	HistorySize int           `yaml:"history_size"`
	Gauges      []string      `yaml:"gauges,omitempty"` // metric names aggregated as latest value
}

// SecretConfig selects where the shared frame secret comes from.
type SecretConfig struct {
	Backend string `yaml:"backend"` // env, file, 1password, auto
	File    string `yaml:"file,omitempty"`
	Item    string `yaml:"item,omitempty"` // 1Password item title
	Vault   string `yaml:"vault,omitempty"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Addr    string `yaml:"addr"`
	KeyHash string `yaml:"key_hash,omitempty"` // bcrypt hash of the operator API key
	// RequestsPerSecond limits API calls across all clients; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ResourceConfig bounds the controller's own resource usage. Zero disables
// a limit.
type ResourceConfig struct {
	MaxCPUPercent    float64       `yaml:"max_cpu_percent"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

// PolicyConfig gates which workloads may run.
type PolicyConfig struct {
	AllowedNetworks  []string      `yaml:"allowed_networks,omitempty"`
	AllowedProtocols []string      `yaml:"allowed_protocols,omitempty"`
	MaxDuration      time.Duration `yaml:"max_duration,omitempty"`
}

// DefaultConfig returns a config with the defaults from constants.go.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		MaxAgents:  DefaultMaxAgents,
		Heartbeat: HeartbeatConfig{
			Interval:      HeartbeatInterval,
			Timeout:       HeartbeatTimeout,
			EvictionGrace: EvictionGrace,
		},
		Start: StartConfig{
			ReadyTimeout: ReadyTimeout,
			Lead:         StartLead,
			PhaseDelay:   DefaultPhaseDelay,
		},
		Stats: StatsConfig{
			Interval:    AggregatorInterval,
			HistorySize: HistorySize,
		},
		Secret: SecretConfig{
			Backend: "auto",
			Vault:   "fleetsync",
			Item:    "fleet-shared-secret",
		},
		API: APIConfig{
			Addr:              DefaultAPIAddr,
			RequestsPerSecond: 50,
		},
		Resources: ResourceConfig{
			SampleInterval: ResourceSampleInterval,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
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

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%v) must exceed heartbeat.interval (%v)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Start.ReadyTimeout <= 0 || c.Start.Lead < 0 {
		return fmt.Errorf("start.ready_timeout must be positive and start.lead not negative")
	}
	if c.Stats.Interval <= 0 || c.Stats.HistorySize <= 0 {
		return fmt.Errorf("stats interval and history_size must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	for _, pct := range []float64{c.Resources.MaxCPUPercent, c.Resources.MaxMemoryPercent} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("resource limits must be between 0 and 100")
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use FLEETSYNC_ prefix:
// - FLEETSYNC_LISTEN_ADDR
// - FLEETSYNC_MAX_AGENTS
// - FLEETSYNC_API_ADDR
// - FLEETSYNC_API_KEY_HASH
// - FLEETSYNC_REDIS_URL
// - FLEETSYNC_DATABASE_URL
// - FLEETSYNC_SECRETS_BACKEND
// - FLEETSYNC_SECRET_FILE
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FLEETSYNC_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FLEETSYNC_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAgents = n
		}
	}
	if v := os.Getenv("FLEETSYNC_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("FLEETSYNC_API_KEY_HASH"); v != "" {
		c.API.KeyHash = v
	}
	if v := os.Getenv("FLEETSYNC_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("FLEETSYNC_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("FLEETSYNC_SECRETS_BACKEND"); v != "" {
		c.Secret.Backend = v
	}
	if v := os.Getenv("FLEETSYNC_SECRET_FILE"); v != "" {
		c.Secret.File = v
	}
}
