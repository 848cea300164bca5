// Package config provides configuration for the control plane.
//
// constants.go centralizes the coordination timing defaults so they are
// easy to find, modify, and test. config.go loads the deployable settings.
package config

import "time"

// Network defaults.
const (
	// DefaultListenAddr is where agents connect.
	DefaultListenAddr = ":9999"

	// DefaultAPIAddr is where operators reach the HTTP API.
	DefaultAPIAddr = ":8080"

	// DefaultMaxAgents caps the registry; the next REGISTER is rejected.
	DefaultMaxAgents = 100
)

// Agent health thresholds determine agent status based on heartbeat age.
const (
	// HeartbeatInterval is advertised to agents in REGISTER_ACK and is also
	// the heartbeat monitor tick.
	HeartbeatInterval = 5 * time.Second

	// HeartbeatTimeout - agent is marked offline if no heartbeat has been
	// received within this duration.
	HeartbeatTimeout = 15 * time.Second

	// EvictionGrace - offline agents are removed from the registry once
	// they have been offline this long.
	EvictionGrace = 30 * time.Second
)

// Coordinated start.
const (
	// ReadyTimeout bounds the READY_CHECK barrier. The start proceeds
	// when it elapses.
	ReadyTimeout = 10 * time.Second

	// ReadyPollInterval is how often the registry is checked during the
	// barrier.
	ReadyPollInterval = 100 * time.Millisecond

	// StartLead is added to now when a START carries no start_time.
	StartLead = 2 * time.Second

	// DefaultPhaseDelay separates the phases of a multi-phase workload.
	DefaultPhaseDelay = 5 * time.Second

	// AgentPollInterval is how often WaitForAgents checks the registry.
	AgentPollInterval = 100 * time.Millisecond
)

// Stats aggregation.
const (
	// AggregatorInterval is the aggregation tick.
	AggregatorInterval = time.Second

	// HistorySize is the number of snapshots kept in the ring buffer.
	HistorySize = 300

	// StreamBuffer is the per-subscriber snapshot backlog.
	StreamBuffer = 16
)

// Balancer.
const (
	// RebalanceInterval is the balancer's reconcile tick.
	RebalanceInterval = time.Second
)

// Resource guard.
const (
	// ResourceSampleInterval is how often process usage is sampled.
	ResourceSampleInterval = 5 * time.Second

	// ResourceBreachSamples is how many consecutive over-limit samples
	// trigger a stop.
	ResourceBreachSamples = 3
)

// Cache and persistence.
const (
	// CacheTTLStats is the TTL of the latest snapshot key in Redis.
	CacheTTLStats = 30 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)
