// Package stats folds per-agent metric snapshots into fleet-wide totals,
// keeps a short history and streams a snapshot to subscribers every tick.
//
// # Counters and Gauges
//
// Counters are summed across agents. Gauges take the most recently reported
// value. A metric is a gauge when it is listed in Config.Gauges or its name
// ends in one of GaugeSuffixes; everything else is a counter.
package stats

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// GaugeSuffixes mark a metric name as a point-in-time value.
var GaugeSuffixes = []string{"_ms", "_pct", "_ratio", "_per_second", "_current"}

// Config configures an Aggregator.
type Config struct {
	Interval     time.Duration
	HistorySize  int
	StreamBuffer int // per-subscriber channel capacity
	Gauges       []string
	Logger       *slog.Logger
	Now          func() time.Time
}

type agentMetrics struct {
	metrics map[string]float64
	active  bool
	updated time.Time
}

// Aggregator maintains the fleet-wide view of agent metrics.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	gauges map[string]bool

	mu      sync.Mutex
	agents  map[string]*agentMetrics
	history []types.AggregatedStats // ring buffer
	head    int                     // next write position
	filled  bool
	subs    map[int]chan types.AggregatedStats
	nextSub int
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = config.AggregatorInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = config.HistorySize
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = config.StreamBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	gauges := make(map[string]bool, len(cfg.Gauges))
	for _, name := range cfg.Gauges {
		gauges[name] = true
	}

	return &Aggregator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "stats"),
		gauges:  gauges,
		agents:  make(map[string]*agentMetrics),
		history: make([]types.AggregatedStats, cfg.HistorySize),
		subs:    make(map[int]chan types.AggregatedStats),
	}
}

// IsGauge reports whether name is aggregated as a latest value.
func (a *Aggregator) IsGauge(name string) bool {
	if a.gauges[name] {
		return true
	}
	for _, suffix := range GaugeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// UpdateAgentStats records an agent's latest snapshot. Each call replaces
// the agent's previous snapshot, so duplicate or reordered reports never
// double count. A nil snapshot only updates the active flag.
func (a *Aggregator) UpdateAgentStats(agentID string, snapshot map[string]float64, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.agents[agentID]
	if !ok {
		m = &agentMetrics{}
		a.agents[agentID] = m
	}
	m.active = active
	if snapshot != nil {
		m.metrics = maps.Clone(snapshot)
		m.updated = a.cfg.Now()
	}
}

// RemoveAgent drops an agent and its metrics from the totals.
func (a *Aggregator) RemoveAgent(agentID string) {
	a.mu.Lock()
	delete(a.agents, agentID)
	a.mu.Unlock()
}

// Snapshot computes the current fleet-wide totals.
func (a *Aggregator) Snapshot() types.AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() types.AggregatedStats {
	out := types.AggregatedStats{
		Timestamp:   a.cfg.Now(),
		Metrics:     make(map[string]float64),
		TotalAgents: len(a.agents),
	}
	// Gauges take the most recent report; equal timestamps go to the
	// greatest agent id.
	type source struct {
		at time.Time
		id string
	}
	gaugeFrom := make(map[string]source)

	for id, m := range a.agents {
		if m.active {
			out.ActiveAgents++
		}
		for name, v := range m.metrics {
			if !a.IsGauge(name) {
				out.Metrics[name] += v
				continue
			}
			prev, seen := gaugeFrom[name]
			if !seen || m.updated.After(prev.at) || (m.updated.Equal(prev.at) && id > prev.id) {
				out.Metrics[name] = v
				gaugeFrom[name] = source{at: m.updated, id: id}
			}
		}
	}
	return out
}

// History returns recorded snapshots, oldest first.
func (a *Aggregator) History() []types.AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.AggregatedStats
	if a.filled {
		out = make([]types.AggregatedStats, 0, len(a.history))
		out = append(out, a.history[a.head:]...)
	} else {
		out = make([]types.AggregatedStats, 0, a.head)
	}
	out = append(out, a.history[:a.head]...)

	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

// Tick records a snapshot into the history and delivers it to every
// subscriber. Run calls it once per interval whether or not new data
// arrived.
func (a *Aggregator) Tick() types.AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snapshotLocked()
	a.history[a.head] = snap
	a.head = (a.head + 1) % len(a.history)
	if a.head == 0 {
		a.filled = true
	}

	for id, ch := range a.subs {
		if !offer(ch, snap.Clone()) {
			a.logger.Debug("subscriber lagging, dropped oldest snapshot", "subscriber", id)
		}
	}
	return snap.Clone()
}

// offer delivers s, evicting the oldest queued snapshot when ch is full.
// It reports false when something was evicted.
func offer(ch chan types.AggregatedStats, s types.AggregatedStats) bool {
	select {
	case ch <- s:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
	return false
}

// Run ticks every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	a.logger.Info("stats aggregator started",
		"interval", a.cfg.Interval,
		"history_size", a.cfg.HistorySize,
	)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.closeSubscribers()
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Subscribe returns a channel receiving one snapshot per tick and a function
// ending the subscription. Each subscriber has its own buffer; a slow
// subscriber loses its oldest snapshots, never anyone else's.
func (a *Aggregator) Subscribe() (<-chan types.AggregatedStats, func()) {
	ch := make(chan types.AggregatedStats, a.cfg.StreamBuffer)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		if _, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(ch)
		}
		a.mu.Unlock()
	}
}

// Stream is Subscribe tied to ctx: the channel closes when ctx is done.
func (a *Aggregator) Stream(ctx context.Context) <-chan types.AggregatedStats {
	ch, cancel := a.Subscribe()
	context.AfterFunc(ctx, cancel)
	return ch
}

func (a *Aggregator) closeSubscribers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}
