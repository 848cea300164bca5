package types

import (
	"maps"
	"sort"
	"time"
)

// =============================================================================
// AGGREGATED STATS
// =============================================================================

// AggregatedStats is a fleet-wide snapshot of agent metrics.
// Counters are summed across agents; gauges carry the most recent value.
type AggregatedStats struct {
	Timestamp    time.Time          `json:"timestamp"`
	Metrics      map[string]float64 `json:"metrics"`
	ActiveAgents int                `json:"active_agents"`
	TotalAgents  int                `json:"total_agents"`
}

// Clone returns a deep copy of the snapshot.
func (s AggregatedStats) Clone() AggregatedStats {
	out := s
	out.Metrics = maps.Clone(s.Metrics)
	if out.Metrics == nil {
		out.Metrics = map[string]float64{}
	}
	return out
}

// MetricNames returns metric names in sorted order.
func (s AggregatedStats) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// REDISTRIBUTION
// =============================================================================

// RedistributionEvent records a recomputed per-agent rate after the fleet
// changed size mid-run. Events are emitted, never mutated.
type RedistributionEvent struct {
	Trigger         string    `json:"trigger"` // agent that caused the change
	RemainingAgents int       `json:"remaining_agents"`
	NewPerAgentRate int       `json:"new_per_agent_rate"`
	TotalRate       int       `json:"total_rate"`
	Timestamp       time.Time `json:"timestamp"`
}
