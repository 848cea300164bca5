package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:9999", cfg.Controller.Address)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.Interval)
	assert.Equal(t, 10*time.Second, cfg.Controller.RegisterTimeout)

	// Name is required.
	assert.Error(t, cfg.Validate())
	cfg.Agent.Name = "edge-1"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controller:
  address: ctl.example:7000
  secret: s3cret
agent:
  name: edge-2
  tags:
    dc: ams1
reconnect:
  max_attempts: 2
  interval: 250ms
  backoff: exponential
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ctl.example:7000", cfg.Controller.Address)
	assert.Equal(t, "edge-2", cfg.Agent.Name)
	assert.Equal(t, "ams1", cfg.Agent.Tags["dc"])
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.Interval)
	assert.Equal(t, BackoffExponential, cfg.Reconnect.Backoff)
	// Untouched sections keep defaults.
	assert.Equal(t, 5*time.Second, cfg.Health.HeartbeatInterval)
	require.NoError(t, cfg.Validate())

	secret, err := cfg.ResolveSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing address", func(c *Config) { c.Controller.Address = "" }},
		{"address without port", func(c *Config) { c.Controller.Address = "localhost" }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"zero interval", func(c *Config) { c.Reconnect.Interval = 0 }},
		{"unknown backoff", func(c *Config) { c.Reconnect.Backoff = "random" }},
		{"zero heartbeat", func(c *Config) { c.Health.HeartbeatInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Agent.Name = "edge"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveSecret_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	cfg := DefaultConfig()
	secret, err := cfg.ResolveSecret()
	require.NoError(t, err)
	assert.Nil(t, secret)

	cfg.Controller.SecretFile = path
	secret, err = cfg.ResolveSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), secret)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FLEETSYNC_CONTROLLER_ADDRESS", "10.1.1.1:9999")
	t.Setenv("FLEETSYNC_SECRET", "env-secret")
	t.Setenv("FLEETSYNC_TLS", "true")
	t.Setenv("FLEETSYNC_AGENT_NAME", "env-agent")
	t.Setenv("FLEETSYNC_AGENT_TAGS", `{"pop":"NYC1"}`)
	t.Setenv("FLEETSYNC_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("FLEETSYNC_RECONNECT_INTERVAL", "2s")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "10.1.1.1:9999", cfg.Controller.Address)
	assert.Equal(t, "env-secret", cfg.Controller.Secret)
	assert.True(t, cfg.Controller.TLS.Enabled)
	assert.Equal(t, "env-agent", cfg.Agent.Name)
	assert.Equal(t, "NYC1", cfg.Agent.Tags["pop"])
	assert.Equal(t, 9, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Interval)
}
