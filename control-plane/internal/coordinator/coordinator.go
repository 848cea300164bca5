// Package coordinator runs workloads across the fleet: it checks the safety
// gate and fleet size, picks the agents, starts them in lock-step or
// staggered, waits out the duration and stops them again.
//
// Multi-phase workloads run each phase as an independent run, with a pause
// between phases.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fleetsync/control-plane/internal/balancer"
	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing.
var ErrRunInProgress = errors.New("a run is already in progress")

// Fleet is the controller surface the coordinator drives.
type Fleet interface {
	AvailableCount() int
	AvailableIDs() []string
	StartAgents(ctx context.Context, ids []string, cfg types.WorkloadConfig, sync bool) (types.WorkloadConfig, error)
	SendTo(ctx context.Context, ids []string, m protocol.Message) int
	SendEach(ctx context.Context, msgs map[string]protocol.Message) int
}

// Validator is the target safety gate.
type Validator interface {
	Validate(target string, port int, protocol string, duration time.Duration) (bool, string)
}

// StatsSource supplies the fleet-wide totals reported with a result.
type StatsSource interface {
	Snapshot() types.AggregatedStats
}

// Balancer redistributes rate while a run is active.
type Balancer interface {
	Activate(plan balancer.Plan)
	Deactivate() []types.RedistributionEvent
	Exhausted() <-chan struct{}
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, result types.RunResult) error
}

// Config wires a Coordinator. Fleet and Stats are required.
type Config struct {
	Fleet     Fleet
	Stats     StatsSource
	Balancer  Balancer  // optional
	Validator Validator // optional; nil admits every target
	Recorder  Recorder  // optional

	PollInterval time.Duration // WaitForAgents poll period
	StartLead    time.Duration // lead before a staggered start
	PhaseDelay   time.Duration // default pause between phases
	SettleDelay  time.Duration // wait for final reports after STOP

	Logger *slog.Logger
}

// ActiveRun describes the run currently executing.
type ActiveRun struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	AgentIDs  []string  `json:"agent_ids"`
	StartedAt time.Time `json:"started_at"`
	EndsAt    time.Time `json:"ends_at"`
}

// Coordinator executes coordinated workloads. One run executes at a time.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active *ActiveRun
	stopCh chan string
	seq    *sequence
}

// sequence tracks a multi-phase run between and across its phases.
type sequence struct {
	halted chan struct{}
	once   sync.Once
}

func (s *sequence) halt() {
	s.once.Do(func() { close(s.halted) })
}

func (s *sequence) isHalted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.AgentPollInterval
	}
	if cfg.StartLead <= 0 {
		cfg.StartLead = config.StartLead
	}
	if cfg.PhaseDelay <= 0 {
		cfg.PhaseDelay = config.DefaultPhaseDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "coordinator"),
	}
}

// WaitForAgents polls until at least count agents are available or timeout
// passes. It never fails; the caller decides what a false result means.
func (c *Coordinator) WaitForAgents(ctx context.Context, count int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if c.cfg.Fleet.AvailableCount() >= count {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			available := c.cfg.Fleet.AvailableCount()
			c.logger.Warn("timed out waiting for agents", "want", count, "available", available)
			return available >= count
		case <-ticker.C:
		}
	}
}

// Active returns the run currently executing, if any.
func (c *Coordinator) Active() (ActiveRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ActiveRun{}, false
	}
	run := *c.active
	run.AgentIDs = append([]string(nil), c.active.AgentIDs...)
	return run, true
}

// StopWorkload ends the active run early, exactly as if its duration had
// elapsed, and cancels any phases still pending. It reports whether a run
// was active.
func (c *Coordinator) StopWorkload(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil && c.seq == nil {
		return false
	}
	if c.seq != nil {
		c.seq.halt()
	}
	if c.active != nil {
		select {
		case c.stopCh <- reason:
		default:
		}
		c.logger.Warn("stop requested", "run_id", c.active.RunID, "reason", reason)
	} else {
		c.logger.Warn("stop requested between phases", "reason", reason)
	}
	return true
}

// ExecuteMultiPhase runs every phase of w in order and returns one result per
// phase that ran. A workload without phases runs once. A failing or stopped
// phase ends the sequence.
func (c *Coordinator) ExecuteMultiPhase(ctx context.Context, w types.CoordinatedWorkload) ([]types.RunResult, error) {
	if len(w.Phases) == 0 {
		res, err := c.Execute(ctx, w)
		if err != nil && res.RunID == "" {
			return nil, err
		}
		return []types.RunResult{res}, err
	}

	delay := w.PhaseDelay
	if delay <= 0 {
		delay = c.cfg.PhaseDelay
	}

	seq := &sequence{halted: make(chan struct{})}
	c.mu.Lock()
	if c.active != nil || c.seq != nil {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.seq = seq
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.seq = nil
		c.mu.Unlock()
	}()

	results := make([]types.RunResult, 0, len(w.Phases))
	for i, phase := range w.Phases {
		pw := w.WithPhase(phase)
		if pw.Name == w.Name {
			pw.Name = fmt.Sprintf("%s phase %d", w.Name, i+1)
		}
		if w.Config.RunID != "" {
			pw.Config.RunID = fmt.Sprintf("%s-p%d", w.Config.RunID, i+1)
		}

		c.logger.Info("starting phase", "phase", i+1, "of", len(w.Phases), "name", pw.Name)
		res, err := c.execute(ctx, pw, true)
		if res.RunID != "" {
			results = append(results, res)
		}
		if err != nil {
			return results, fmt.Errorf("phase %d (%s): %w", i+1, pw.Name, err)
		}
		if seq.isHalted() {
			c.logger.Info("remaining phases cancelled by stop request", "completed", i+1)
			return results, nil
		}

		if i < len(w.Phases)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-seq.halted:
				c.logger.Info("remaining phases cancelled by stop request", "completed", i+1)
				return results, nil
			case <-time.After(delay):
			}
		}
	}
	return results, nil
}

// Execute runs a single workload across the fleet and returns the merged
// result. Errors before any agent is contacted (rejected target, too few
// agents) come back with a zero result. An exhausted fleet ends the run early
// with a partial result and types.ErrFleetExhausted.
func (c *Coordinator) Execute(ctx context.Context, w types.CoordinatedWorkload) (types.RunResult, error) {
	return c.execute(ctx, w, false)
}

func (c *Coordinator) execute(ctx context.Context, w types.CoordinatedWorkload, phased bool) (types.RunResult, error) {
	if err := w.Validate(); err != nil {
		return types.RunResult{}, fmt.Errorf("invalid workload: %w", err)
	}
	cfg := w.Config

	if c.cfg.Validator != nil {
		if ok, reason := c.cfg.Validator.Validate(cfg.Target, cfg.Port, cfg.Protocol, cfg.Duration); !ok {
			c.logger.Warn("workload rejected by safety policy", "target", cfg.Target, "reason", reason)
			return types.RunResult{}, &types.TargetRejectedError{Target: cfg.Target, Reason: reason}
		}
	}

	available := c.cfg.Fleet.AvailableIDs()
	if len(available) == 0 {
		return types.RunResult{}, types.ErrNoAgents
	}
	if w.AgentsRequired > len(available) {
		return types.RunResult{}, &types.InsufficientAgentsError{Required: w.AgentsRequired, Available: len(available)}
	}
	ids := available
	if w.AgentsRequired > 0 {
		ids = available[:w.AgentsRequired]
	}

	rate := w.RateFor(len(ids))
	if w.Distribution != types.DistributionFixed && w.TotalRate > 0 && rate == 0 {
		return types.RunResult{}, fmt.Errorf("%w: total_rate %d across %d agents", types.ErrRateTooLow, w.TotalRate, len(ids))
	}
	cfg.RateLimit = rate
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	stopCh, err := c.begin(cfg.RunID, w.Name, ids, phased)
	if err != nil {
		return types.RunResult{}, err
	}
	defer c.end()

	logger := c.logger.With("run_id", cfg.RunID, "name", w.Name)
	logger.Info("executing workload",
		"target", cfg.HostPort(),
		"protocol", cfg.Protocol,
		"agents", len(ids),
		"per_agent_rate", rate,
		"duration", cfg.Duration,
		"stagger", w.StaggerInterval,
	)

	var exhausted <-chan struct{}
	if c.cfg.Balancer != nil {
		c.cfg.Balancer.Activate(balancer.Plan{
			RunID:        cfg.RunID,
			AgentIDs:     ids,
			TotalRate:    w.TotalRate,
			Distribution: w.Distribution,
		})
		exhausted = c.cfg.Balancer.Exhausted()
	}

	result := types.RunResult{
		RunID:        cfg.RunID,
		Name:         w.Name,
		AgentIDs:     append([]string(nil), ids...),
		PerAgentRate: rate,
		TotalRate:    w.TotalRate,
	}

	startAt, lastStart, err := c.start(ctx, ids, cfg, w.StaggerInterval)
	if err != nil {
		if c.cfg.Balancer != nil {
			c.cfg.Balancer.Deactivate()
		}
		return types.RunResult{}, fmt.Errorf("starting workload: %w", err)
	}
	endsAt := lastStart.Add(cfg.Duration)
	c.setSchedule(startAt, endsAt)
	result.StartedAt = startAt

	// Stops are sent even when ctx is cancelled so no agent keeps running.
	stopCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(time.Until(endsAt))
	defer timer.Stop()

	var runErr error
	stopReason := "duration elapsed"
	select {
	case <-timer.C:
	case reason := <-stopCh:
		stopReason = reason
		result.Partial = true
		result.Error = "stopped: " + reason
	case <-exhausted:
		stopReason = "fleet exhausted"
		result.Partial = true
		result.Error = types.ErrFleetExhausted.Error()
		runErr = types.ErrFleetExhausted
	case <-ctx.Done():
		stopReason = "cancelled"
		result.Partial = true
		result.Error = ctx.Err().Error()
		runErr = ctx.Err()
	}

	reached := c.cfg.Fleet.SendTo(stopCtx, ids, protocol.NewStop(stopReason))
	result.EndedAt = time.Now()
	if c.cfg.Balancer != nil {
		result.Redistributions = c.cfg.Balancer.Deactivate()
	}

	if c.cfg.SettleDelay > 0 {
		select {
		case <-time.After(c.cfg.SettleDelay):
		case <-ctx.Done():
		}
	}
	result.Stats = c.cfg.Stats.Snapshot().Clone()
	result.Duration = result.EndedAt.Sub(result.StartedAt).Seconds()

	logger.Info("workload finished",
		"reason", stopReason,
		"stopped_agents", reached,
		"duration_seconds", result.Duration,
		"partial", result.Partial,
		"redistributions", len(result.Redistributions),
	)

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordRun(stopCtx, result); err != nil {
			logger.Error("failed to record run", "error", err)
		}
	}
	return result, runErr
}

// start dispatches the workload. Without a stagger interval the controller's
// barrier-synchronized start is used. With one, agent i starts i intervals
// after the first. It returns the first and last scheduled start times.
func (c *Coordinator) start(ctx context.Context, ids []string, cfg types.WorkloadConfig, stagger time.Duration) (time.Time, time.Time, error) {
	if stagger <= 0 {
		sent, err := c.cfg.Fleet.StartAgents(ctx, ids, cfg, true)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		at := sent.StartAt()
		return at, at, nil
	}

	base := cfg.StartAt()
	if base.IsZero() {
		base = time.Now().Add(c.cfg.StartLead)
	}
	msgs := make(map[string]protocol.Message, len(ids))
	var last time.Time
	for i, id := range ids {
		agentCfg := cfg
		last = base.Add(time.Duration(i) * stagger)
		agentCfg.StartTime = types.EpochSeconds(last)
		msgs[id] = protocol.NewStart(agentCfg)
	}
	if reached := c.cfg.Fleet.SendEach(ctx, msgs); reached == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("staggered start reached no agents: %w", types.ErrNoAgents)
	}
	return base, last, nil
}

func (c *Coordinator) begin(runID, name string, ids []string, phased bool) (<-chan string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, c.active.RunID)
	}
	if c.seq != nil && !phased {
		return nil, ErrRunInProgress
	}
	c.active = &ActiveRun{RunID: runID, Name: name, AgentIDs: append([]string(nil), ids...)}
	c.stopCh = make(chan string, 1)
	return c.stopCh, nil
}

func (c *Coordinator) setSchedule(startAt, endsAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.StartedAt = startAt
		c.active.EndsAt = endsAt
	}
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
	c.stopCh = nil
}
