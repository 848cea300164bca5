// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test helpers (loggers, a settable clock)
//   - Fixture factories for domain types (agents, workloads, snapshots, runs)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	agent := testutil.FixtureAgent()
//	agent := testutil.FixtureAgent(func(a *types.AgentInfo) {
//		a.Name = "edge-01"
//		a.Status = types.AgentStatusRunning
//	})
package testutil

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// CLOCK
// =============================================================================

// Epoch is the fixed starting point of test clocks.
var Epoch = time.Unix(1_700_000_000, 0)

// Clock is a settable clock safe for concurrent use. When Step is non-zero
// every Now call advances the clock by Step first, so successive readings
// are strictly increasing.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock returns a clock frozen at Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// NewSteppingClock returns a clock starting at Epoch that advances by step
// on every reading.
func NewSteppingClock(step time.Duration) *Clock {
	return &Clock{now: Epoch, step: step}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// AGENT FIXTURES
// =============================================================================

// FixtureAgent creates an idle test agent with sensible defaults.
// Use overrides to customize specific fields.
func FixtureAgent(overrides ...func(*types.AgentInfo)) types.AgentInfo {
	agent := types.AgentInfo{
		ID:            uuid.NewString(),
		Name:          "test-agent-" + uuid.NewString()[:8],
		RemoteAddr:    "10.0.0.1:40000",
		Capabilities:  map[string]any{"cpus": int64(4), "os": "linux"},
		Status:        types.AgentStatusIdle,
		RegisteredAt:  time.Now(),
		LastHeartbeat: time.Now(),
	}

	for _, override := range overrides {
		override(&agent)
	}

	return agent
}

// FixtureAgentRunning creates an agent executing a workload.
func FixtureAgentRunning(overrides ...func(*types.AgentInfo)) types.AgentInfo {
	return FixtureAgent(append([]func(*types.AgentInfo){
		func(a *types.AgentInfo) {
			a.Status = types.AgentStatusRunning
			a.Stats = map[string]float64{"requests_sent": 100}
		},
	}, overrides...)...)
}

// FixtureAgentOffline creates an offline agent (no recent heartbeat).
func FixtureAgentOffline(overrides ...func(*types.AgentInfo)) types.AgentInfo {
	return FixtureAgent(append([]func(*types.AgentInfo){
		func(a *types.AgentInfo) {
			a.Status = types.AgentStatusOffline
			a.LastHeartbeat = time.Now().Add(-time.Minute)
		},
	}, overrides...)...)
}

// =============================================================================
// WORKLOAD FIXTURES
// =============================================================================

// FixtureWorkload creates a coordinated workload against a private address:
// two agents sharing 1000 ops/s evenly for one second.
func FixtureWorkload(overrides ...func(*types.CoordinatedWorkload)) types.CoordinatedWorkload {
	w := types.CoordinatedWorkload{
		Name:           "test-workload",
		AgentsRequired: 2,
		TotalRate:      1000,
		Distribution:   types.DistributionEven,
		Config: types.WorkloadConfig{
			Target:    "10.0.0.10",
			Port:      8080,
			Protocol:  "noop",
			Duration:  time.Second,
			SyncStart: true,
		},
	}

	for _, override := range overrides {
		override(&w)
	}

	return w
}

// =============================================================================
// STATS FIXTURES
// =============================================================================

// FixtureSnapshot creates an aggregated snapshot with the given metrics.
func FixtureSnapshot(metrics map[string]float64, overrides ...func(*types.AggregatedStats)) types.AggregatedStats {
	s := types.AggregatedStats{
		Timestamp:    Epoch,
		Metrics:      metrics,
		ActiveAgents: 2,
		TotalAgents:  3,
	}
	if s.Metrics == nil {
		s.Metrics = map[string]float64{}
	}

	for _, override := range overrides {
		override(&s)
	}

	return s
}

// FixtureRunResult creates a finished run result.
func FixtureRunResult(overrides ...func(*types.RunResult)) types.RunResult {
	r := types.RunResult{
		RunID:        uuid.NewString(),
		Name:         "test-workload",
		StartedAt:    Epoch,
		EndedAt:      Epoch.Add(time.Second),
		Duration:     1,
		AgentIDs:     []string{"a1", "a2"},
		PerAgentRate: 500,
		TotalRate:    1000,
		Stats:        FixtureSnapshot(map[string]float64{"requests_sent": 1000}),
	}

	for _, override := range overrides {
		override(&r)
	}

	return r
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields such as phase overrides.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
