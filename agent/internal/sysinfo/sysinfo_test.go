package sysinfo

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleetsync/pkg/protocol"
)

func TestCapabilities(t *testing.T) {
	caps := Capabilities(context.Background(), "v1.2.3", []string{"noop", "tcp"}, map[string]string{"dc": "ams1"})

	assert.Equal(t, "v1.2.3", caps["version"])
	assert.Equal(t, runtime.GOOS, caps["os"])
	assert.Equal(t, runtime.NumCPU(), caps["num_cpu"])
	assert.Equal(t, []any{"noop", "tcp"}, caps["workloads"])
	assert.Equal(t, map[string]any{"dc": "ams1"}, caps["tags"])
	assert.NotEmpty(t, caps["hostname"])

	// Capabilities must be representable on the wire.
	_, err := protocol.Build(protocol.TypeRegister, "a", map[string]any{protocol.KeyCapabilities: caps})
	require.NoError(t, err)
}

func TestCapabilities_Minimal(t *testing.T) {
	caps := Capabilities(context.Background(), "dev", nil, nil)
	_, hasTags := caps["tags"]
	_, hasWorkloads := caps["workloads"]
	assert.False(t, hasTags)
	assert.False(t, hasWorkloads)
}

func TestProcessGauges(t *testing.T) {
	g := ProcessGauges(context.Background())
	assert.Greater(t, g["agent_goroutines"], 0.0)
	assert.Contains(t, g, "agent_heap_mb")
}
