// Package types defines the coordination types shared between agents and the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the coordination model directly
// 2. Serialization: All types are JSON-serializable for the operator API
// 3. Immutability: Prefer value types; snapshots are copies, never shared maps
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"maps"
	"net"
	"strings"
	"time"
)

// =============================================================================
// AGENT STATUS
// =============================================================================

// AgentStatus is the lifecycle state of an agent.
//
//	offline -> idle -> ready -> running -> {paused, idle} -> offline
//	running -> error -> idle
//
// Offline is both the initial state (before registration) and the terminal
// state (after disconnect or eviction).
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusReady   AgentStatus = "ready"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusError   AgentStatus = "error"
)

// transitions lists the legal next states for each status. Every state may
// also move to offline.
var transitions = map[AgentStatus][]AgentStatus{
	AgentStatusOffline: {AgentStatusIdle},
	AgentStatusIdle:    {AgentStatusReady, AgentStatusRunning},
	AgentStatusReady:   {AgentStatusIdle, AgentStatusRunning},
	AgentStatusRunning: {AgentStatusPaused, AgentStatusIdle, AgentStatusError},
	AgentStatusPaused:  {AgentStatusRunning, AgentStatusIdle},
	AgentStatusError:   {AgentStatusIdle},
}

// ParseAgentStatus converts a wire string to an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(strings.ToLower(s))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown agent status: %q", s)
	}
	return st, nil
}

// CanTransition reports whether moving from s to next is legal.
// Staying in the same state is always allowed.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s == next || next == AgentStatusOffline {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Available reports whether an agent in this state holds a live connection
// and can take part in a workload.
func (s AgentStatus) Available() bool {
	switch s {
	case AgentStatusIdle, AgentStatusReady, AgentStatusRunning, AgentStatusPaused:
		return true
	}
	return false
}

// Active reports whether the agent is armed or executing a workload.
func (s AgentStatus) Active() bool {
	return s == AgentStatusReady || s == AgentStatusRunning
}

// =============================================================================
// AGENT
// =============================================================================

// AgentInfo is the controller's record of one registered agent.
// The controller owns these records; callers only ever receive copies.
type AgentInfo struct {
	ID            string             `json:"agent_id"`
	Name          string             `json:"name,omitempty"`
	RemoteAddr    string             `json:"remote_addr"`
	Capabilities  map[string]any     `json:"capabilities,omitempty"`
	Status        AgentStatus        `json:"status"`
	RegisteredAt  time.Time          `json:"registered_at"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	Stats         map[string]float64 `json:"stats,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (a AgentInfo) Clone() AgentInfo {
	out := a
	out.Capabilities = maps.Clone(a.Capabilities)
	out.Stats = maps.Clone(a.Stats)
	return out
}

// =============================================================================
// WORKLOAD
// =============================================================================

// WorkloadConfig describes one unit of work dispatched to agents.
// Shaping parameters are opaque to the coordination layer and are passed
// through to the workload untouched.
type WorkloadConfig struct {
	RunID     string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Target    string         `json:"target" yaml:"target"`
	Port      int            `json:"port" yaml:"port"`
	Protocol  string         `json:"protocol" yaml:"protocol"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
	RateLimit int            `json:"rate_limit" yaml:"rate_limit"` // per agent, operations/second; 0 = unlimited
	Shaping   map[string]any `json:"shaping,omitempty" yaml:"shaping,omitempty"`
	SyncStart bool           `json:"sync_start" yaml:"sync_start"`

	// StartTime is the epoch second at which agents begin; 0 means the
	// controller assigns one.
	StartTime float64 `json:"start_time" yaml:"start_time"`
}

// StartAt returns StartTime as a time.Time (zero when unset).
func (c WorkloadConfig) StartAt() time.Time {
	if c.StartTime <= 0 {
		return time.Time{}
	}
	sec := int64(c.StartTime)
	nsec := int64((c.StartTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// EpochSeconds converts t to fractional epoch seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Validate checks that the workload has required fields and valid values.
func (c WorkloadConfig) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("workload target is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("workload duration must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// HostPort returns the target joined with the port when one is set.
func (c WorkloadConfig) HostPort() string {
	if c.Port == 0 {
		return c.Target
	}
	return net.JoinHostPort(c.Target, fmt.Sprint(c.Port))
}

// DistributionPolicy controls how the total rate is split across agents.
type DistributionPolicy string

const (
	// DistributionEven divides TotalRate by the number of agents.
	DistributionEven DistributionPolicy = "even"
	// DistributionFixed gives every agent PerAgentRate regardless of fleet size.
	DistributionFixed DistributionPolicy = "fixed"
)

// Phase overrides a subset of a coordinated workload for one step of a
// multi-phase run. Nil fields inherit from the parent workload.
type Phase struct {
	Name           string         `json:"name" yaml:"name"`
	Target         *string        `json:"target,omitempty" yaml:"target,omitempty"`
	Port           *int           `json:"port,omitempty" yaml:"port,omitempty"`
	Protocol       *string        `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Duration       *time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	TotalRate      *int           `json:"total_rate,omitempty" yaml:"total_rate,omitempty"`
	PerAgentRate   *int           `json:"per_agent_rate,omitempty" yaml:"per_agent_rate,omitempty"`
	AgentsRequired *int           `json:"agents_required,omitempty" yaml:"agents_required,omitempty"`
	Shaping        map[string]any `json:"shaping,omitempty" yaml:"shaping,omitempty"`
}

// CoordinatedWorkload is the host-level request handed to the coordinator.
type CoordinatedWorkload struct {
	Name            string             `json:"name" yaml:"name"`
	Config          WorkloadConfig     `json:"config" yaml:"config"`
	AgentsRequired  int                `json:"agents_required" yaml:"agents_required"`
	TotalRate       int                `json:"total_rate" yaml:"total_rate"`
	PerAgentRate    int                `json:"per_agent_rate,omitempty" yaml:"per_agent_rate,omitempty"`
	Distribution    DistributionPolicy `json:"distribution" yaml:"distribution"`
	Phases          []Phase            `json:"phases,omitempty" yaml:"phases,omitempty"`
	PhaseDelay      time.Duration      `json:"phase_delay,omitempty" yaml:"phase_delay,omitempty"`
	StaggerInterval time.Duration      `json:"stagger_interval,omitempty" yaml:"stagger_interval,omitempty"`
}

// Validate checks the workload request.
func (w CoordinatedWorkload) Validate() error {
	if w.AgentsRequired < 0 {
		return fmt.Errorf("agents_required must not be negative")
	}
	switch w.Distribution {
	case "", DistributionEven:
		if w.TotalRate < 0 {
			return fmt.Errorf("total_rate must not be negative")
		}
		if w.TotalRate > 0 && w.TotalRate < w.AgentsRequired {
			return fmt.Errorf("%w: total_rate %d across %d agents", ErrRateTooLow, w.TotalRate, w.AgentsRequired)
		}
	case DistributionFixed:
		if w.PerAgentRate < 0 {
			return fmt.Errorf("per_agent_rate must not be negative")
		}
	default:
		return fmt.Errorf("unknown distribution policy: %q", w.Distribution)
	}
	if w.StaggerInterval < 0 {
		return fmt.Errorf("stagger_interval must not be negative")
	}
	return w.Config.Validate()
}

// RateFor returns the per-agent rate for a fleet of n agents.
// For even distribution n*rate never exceeds TotalRate. A result of 0 means
// unlimited on the wire, so callers must reject a positive TotalRate that
// divides to 0.
func (w CoordinatedWorkload) RateFor(n int) int {
	if w.Distribution == DistributionFixed {
		return w.PerAgentRate
	}
	if n <= 0 {
		return 0
	}
	return w.TotalRate / n
}

// WithPhase returns a copy of w with the phase overrides applied and the
// phase list cleared.
func (w CoordinatedWorkload) WithPhase(p Phase) CoordinatedWorkload {
	out := w
	out.Phases = nil
	out.Config.Shaping = maps.Clone(w.Config.Shaping)
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Target != nil {
		out.Config.Target = *p.Target
	}
	if p.Port != nil {
		out.Config.Port = *p.Port
	}
	if p.Protocol != nil {
		out.Config.Protocol = *p.Protocol
	}
	if p.Duration != nil {
		out.Config.Duration = *p.Duration
	}
	if p.TotalRate != nil {
		out.TotalRate = *p.TotalRate
	}
	if p.PerAgentRate != nil {
		out.PerAgentRate = *p.PerAgentRate
	}
	if p.AgentsRequired != nil {
		out.AgentsRequired = *p.AgentsRequired
	}
	if len(p.Shaping) > 0 {
		if out.Config.Shaping == nil {
			out.Config.Shaping = make(map[string]any, len(p.Shaping))
		}
		maps.Copy(out.Config.Shaping, p.Shaping)
	}
	return out
}

// =============================================================================
// RUNS
// =============================================================================

// RunResult is returned by the coordinator when a workload (or one phase of
// it) finishes.
type RunResult struct {
	RunID           string                `json:"run_id"`
	Name            string                `json:"name"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         time.Time             `json:"ended_at"`
	Duration        float64               `json:"duration"` // wall-clock seconds
	AgentIDs        []string              `json:"agent_ids"`
	PerAgentRate    int                   `json:"per_agent_rate"`
	TotalRate       int                   `json:"total_rate"`
	Stats           AggregatedStats       `json:"stats"`
	Redistributions []RedistributionEvent `json:"redistributions,omitempty"`
	Partial         bool                  `json:"partial"`
	Error           string                `json:"error,omitempty"`
}
