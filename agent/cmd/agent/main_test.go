package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks the overrides loadConfig reads; empty values are ignored.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FLEETSYNC_CONTROLLER_ADDRESS", "FLEETSYNC_AGENT_ID", "FLEETSYNC_AGENT_NAME",
		"FLEETSYNC_AGENT_TAGS", "FLEETSYNC_MAX_RECONNECT_ATTEMPTS", "FLEETSYNC_RECONNECT_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func TestParseFlags_Tags(t *testing.T) {
	opts, err := parseFlags([]string{"--tag", "rack=r12", "--tag", "zone=b", "--max-reconnects", "0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rack": "r12", "zone": "b"}, opts.tags)
	assert.Equal(t, 0, opts.maxReconnects)

	_, err = parseFlags([]string{"--tag", "novalue"})
	assert.Error(t, err)
}

func TestLoadConfig_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controller:
  address: file.internal:9999
agent:
  name: from-file
  tags:
    zone: a
reconnect:
  max_attempts: 7
`), 0o600))

	clearEnv(t)
	t.Setenv("FLEETSYNC_CONTROLLER_ADDRESS", "env.internal:9999")

	opts, err := parseFlags([]string{"--config", path, "--name", "from-flag", "--tag", "zone=b", "--tag", "rack=r1"})
	require.NoError(t, err)

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "env.internal:9999", cfg.Controller.Address)
	assert.Equal(t, "from-flag", cfg.Agent.Name)
	assert.Equal(t, map[string]string{"zone": "b", "rack": "r1"}, cfg.Agent.Tags)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts, "unset flag keeps file value")
}

func TestLoadConfig_DefaultsNameToHostname(t *testing.T) {
	host, err := os.Hostname()
	if err != nil {
		t.Skip("no hostname")
	}
	clearEnv(t)
	opts, err := parseFlags(nil)
	require.NoError(t, err)
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, host, cfg.Agent.Name)
}
