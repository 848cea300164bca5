// Package balancer redistributes a running workload's total rate when the
// set of participating agents changes.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/control-plane/internal/controller"
	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// maxRecent bounds the redistribution log kept for the operator API.
const maxRecent = 100

// Fleet is the registry view the balancer reads and the channel it pushes
// new rates through.
type Fleet interface {
	Agent(id string) (types.AgentInfo, bool)
	SendEach(ctx context.Context, msgs map[string]protocol.Message) int
}

// Plan describes the run being balanced.
type Plan struct {
	RunID        string
	AgentIDs     []string
	TotalRate    int
	Distribution types.DistributionPolicy
}

// Balancer watches the agents of one active plan. When the number of
// surviving agents changes it recomputes the per-agent rate, records a
// RedistributionEvent and pushes the new rate to the survivors. When no
// agent survives it signals exhaustion instead.
type Balancer struct {
	fleet  Fleet
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	plan      *Plan
	lastCount int
	runEvents []types.RedistributionEvent
	recent    []types.RedistributionEvent
	exhausted chan struct{}
	signalled bool
	events    chan types.RedistributionEvent
}

// New creates a balancer with no active plan.
func New(fleet Fleet, logger *slog.Logger) *Balancer {
	return &Balancer{
		fleet:     fleet,
		logger:    logger.With("component", "balancer"),
		now:       time.Now,
		exhausted: make(chan struct{}),
		events:    make(chan types.RedistributionEvent, config.StreamBuffer),
	}
}

// Activate starts balancing plan, replacing any previous plan.
func (b *Balancer) Activate(plan Plan) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := plan
	p.AgentIDs = append([]string(nil), plan.AgentIDs...)
	b.plan = &p
	b.lastCount = len(p.AgentIDs)
	b.runEvents = nil
	b.exhausted = make(chan struct{})
	b.signalled = false

	b.logger.Info("balancing run",
		"run_id", p.RunID,
		"agents", len(p.AgentIDs),
		"total_rate", p.TotalRate,
		"distribution", p.Distribution,
	)
}

// Deactivate stops balancing and returns the events recorded for the plan.
func (b *Balancer) Deactivate() []types.RedistributionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.runEvents
	b.plan = nil
	b.runEvents = nil
	return out
}

// Exhausted is closed when every agent of the active plan is gone.
func (b *Balancer) Exhausted() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

// Events delivers redistribution events as they happen. Events are dropped
// when nobody keeps up; Recent keeps the log.
func (b *Balancer) Events() <-chan types.RedistributionEvent {
	return b.events
}

// Recent returns the latest redistribution events across runs, oldest first.
func (b *Balancer) Recent() []types.RedistributionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.RedistributionEvent(nil), b.recent...)
}

// Reconcile recomputes the surviving agent count for the active plan. It
// returns the emitted event, or nil when the count is unchanged, no plan is
// active, or the plan does not divide a total rate. It returns
// types.ErrFleetExhausted when no agent survives and types.ErrRateTooLow when
// the total rate would divide to less than one per agent.
func (b *Balancer) Reconcile(ctx context.Context, trigger string) (*types.RedistributionEvent, error) {
	b.mu.Lock()
	if b.plan == nil {
		b.mu.Unlock()
		return nil, nil
	}
	plan := b.plan

	survivors := make([]string, 0, len(plan.AgentIDs))
	for _, id := range plan.AgentIDs {
		if info, ok := b.fleet.Agent(id); ok && info.Status.Available() {
			survivors = append(survivors, id)
		}
	}
	n := len(survivors)

	if n == b.lastCount {
		b.mu.Unlock()
		return nil, nil
	}
	previous := b.lastCount
	b.lastCount = n

	if n == 0 {
		if !b.signalled {
			b.signalled = true
			close(b.exhausted)
		}
		b.mu.Unlock()
		b.logger.Error("fleet exhausted, no agents remain",
			"run_id", plan.RunID,
			"trigger", trigger,
		)
		return nil, types.ErrFleetExhausted
	}

	if plan.Distribution == types.DistributionFixed || plan.TotalRate <= 0 {
		b.mu.Unlock()
		b.logger.Info("fleet size changed, per-agent rate unchanged",
			"run_id", plan.RunID,
			"trigger", trigger,
			"previous_agents", previous,
			"remaining_agents", n,
		)
		return nil, nil
	}

	if plan.TotalRate < n {
		b.mu.Unlock()
		b.logger.Error("total rate too low to redistribute",
			"run_id", plan.RunID,
			"trigger", trigger,
			"total_rate", plan.TotalRate,
			"remaining_agents", n,
		)
		return nil, fmt.Errorf("%w: total_rate %d across %d agents", types.ErrRateTooLow, plan.TotalRate, n)
	}

	ev := types.RedistributionEvent{
		Trigger:         trigger,
		RemainingAgents: n,
		NewPerAgentRate: plan.TotalRate / n,
		TotalRate:       plan.TotalRate,
		Timestamp:       b.now(),
	}
	b.runEvents = append(b.runEvents, ev)
	b.recent = append(b.recent, ev)
	if len(b.recent) > maxRecent {
		b.recent = b.recent[len(b.recent)-maxRecent:]
	}
	b.mu.Unlock()

	select {
	case b.events <- ev:
	default:
	}

	msgs := make(map[string]protocol.Message, n)
	for _, id := range survivors {
		msgs[id] = protocol.NewRateUpdate(ev.NewPerAgentRate)
	}
	reached := b.fleet.SendEach(ctx, msgs)

	b.logger.Info("redistributed rate",
		"run_id", plan.RunID,
		"trigger", trigger,
		"previous_agents", previous,
		"remaining_agents", n,
		"new_per_agent_rate", ev.NewPerAgentRate,
		"reached", reached,
	)
	return &ev, nil
}

// Run reconciles on every registry event and on every tick of interval, so a
// dropped event is caught on the next tick.
func (b *Balancer) Run(ctx context.Context, events <-chan controller.RegistryEvent, interval time.Duration) {
	if interval <= 0 {
		interval = config.RebalanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.Reconcile(ctx, ev.AgentID)
		case <-ticker.C:
			b.Reconcile(ctx, "periodic")
		}
	}
}
