// Package agent provides the worker-side runtime of a fleet.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Connect and register with the controller (bounded retries)
//  3. Estimate the clock offset to the controller
//  4. Run heartbeat, stats and receive loops
//  5. Execute workloads on START, cancel them on STOP
//  6. Reconnect with the same policy when the connection drops
//  7. Run until shutdown signal or SHUTDOWN command
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pilot-net/fleetsync/agent/internal/client"
	"github.com/pilot-net/fleetsync/agent/internal/config"
	"github.com/pilot-net/fleetsync/agent/internal/retry"
	"github.com/pilot-net/fleetsync/agent/internal/sysinfo"
	"github.com/pilot-net/fleetsync/agent/internal/workload"
	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/timesync"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Workload is the unit of work the host application supplies.
type Workload = workload.Workload

// Reporter is handed to a running workload.
type Reporter = workload.Reporter

// WorkloadFunc adapts a function to Workload.
type WorkloadFunc = workload.Func

var errShutdown = errors.New("shutdown requested by controller")

// Agent is a single fleet worker.
type Agent struct {
	cfg      *config.Config
	client   *client.Client
	registry *workload.Registry
	clock    *timesync.Synchronizer
	policy   retry.Policy
	logger   *slog.Logger

	capabilities map[string]any
	limiter      *rate.Limiter
	paused       atomic.Bool

	// State
	mu                sync.Mutex
	agentID           string
	status            types.AgentStatus
	stats             map[string]float64
	lastError         *types.WorkloadError
	conn              *protocol.Conn
	heartbeatInterval time.Duration
	run               *activeRun
	ackWaiters        map[float64]chan timesync.Sample

	// Control
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	loopErr   error
	stopOnce  sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
}

// activeRun is the workload task currently owned by the agent.
type activeRun struct {
	cfg    types.WorkloadConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	workloads []Workload
	dial      client.DialFunc
	sleep     func(ctx context.Context, d time.Duration) error
}

// WithWorkload registers w and makes it the default workload.
func WithWorkload(w Workload) Option {
	return func(o *agentOptions) { o.workloads = append(o.workloads, w) }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(o *agentOptions) { o.dial = dial }
}

// WithSleep replaces the reconnect back-off sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *agentOptions) { o.sleep = sleep }
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	var o agentOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Create workload registry with the built-in workloads
	registry := workload.NewRegistry()
	for _, w := range []Workload{workload.NewNoopWorkload(), workload.NewTCPProbeWorkload()} {
		if err := registry.Register(w); err != nil {
			logger.Warn("failed to register workload", "protocol", w.Protocol(), "error", err)
		}
	}
	for _, w := range o.workloads {
		if err := registry.Register(w); err != nil {
			return nil, fmt.Errorf("registering workload: %w", err)
		}
		if err := registry.SetDefault(w.Protocol()); err != nil {
			return nil, err
		}
	}
	logger.Info("workload registry ready", "workloads", registry.List())

	secret, err := cfg.ResolveSecret()
	if err != nil {
		return nil, err
	}
	clientCfg := client.Config{
		Address:        cfg.Controller.Address,
		Secret:         secret,
		ConnectTimeout: cfg.Controller.ConnectTimeout,
		WriteTimeout:   cfg.Controller.WriteTimeout,
		Dial:           o.dial,
	}
	if cfg.Controller.TLS.Enabled {
		tlsCfg, err := client.TLSConfig(cfg.Controller.TLS.CACertFile, cfg.Controller.TLS.ServerName, cfg.Controller.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		clientCfg.TLS = tlsCfg
	}
	if len(secret) == 0 {
		logger.Warn("no shared secret configured, frames are not authenticated")
	}

	backoff := retry.Constant(cfg.Reconnect.Interval)
	if cfg.Reconnect.Backoff == config.BackoffExponential {
		backoff = retry.Exponential(cfg.Reconnect.Interval, cfg.Reconnect.MaxInterval)
	}

	a := &Agent{
		cfg:      cfg,
		client:   client.NewClient(clientCfg),
		registry: registry,
		clock: timesync.New(timesync.Config{
			Timeout: cfg.Health.SyncTimeout,
			Logger:  logger,
		}),
		logger:            logger.With("component", "agent"),
		limiter:           workload.NewLimiter(0),
		agentID:           cfg.Agent.ID,
		status:            types.AgentStatusOffline,
		stats:             make(map[string]float64),
		heartbeatInterval: cfg.Health.HeartbeatInterval,
		ackWaiters:        make(map[float64]chan timesync.Sample),
		done:              make(chan struct{}),
	}
	a.policy = retry.Policy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Backoff:     backoff,
		Sleep:       o.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			var rej *types.RegistrationRejectedError
			if errors.As(err, &rej) {
				a.logger.Warn("registration rejected, will retry", "reason", rej.Reason, "attempt", attempt, "wait", wait)
				return
			}
			a.logger.Warn("connection attempt failed", "attempt", attempt, "error", err, "wait", wait)
		},
	}
	return a, nil
}

// RegisterWorkload adds a workload after construction.
func (a *Agent) RegisterWorkload(w Workload) error {
	return a.registry.Register(w)
}

// ID returns the controller-assigned agent id ("" before registration).
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// Status returns the agent's current state.
func (a *Agent) Status() types.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Stats returns a copy of the agent's local stats.
func (a *Agent) Stats() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.stats)
}

// LastError returns the failure of the most recent run, or nil. It matches
// types.ErrWorkload.
func (a *Agent) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastError == nil {
		return nil
	}
	return a.lastError
}

// ClockOffset returns the estimated offset to the controller clock.
func (a *Agent) ClockOffset() (time.Duration, bool) {
	offset, _, ok := a.clock.Offset()
	return offset, ok
}

// Done is closed once the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns why the agent stopped. Nil after Stop or a SHUTDOWN command.
func (a *Agent) Err() error {
	select {
	case <-a.done:
		return a.loopErr
	default:
		return nil
	}
}

// Run starts the agent and blocks until ctx is cancelled, the controller
// sends SHUTDOWN, or reconnecting fails for good.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		a.Stop()
		return nil
	case <-a.done:
		return a.loopErr
	}
}

// Start connects and registers, retrying per the reconnect policy, then
// runs the agent loops in the background. It returns once registered.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	a.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runCtx, a.runCancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	a.logger.Info("starting agent",
		"name", a.cfg.Agent.Name,
		"version", Version,
		"controller", a.client.Address())

	// The caller's ctx bounds the initial connect; Stop bounds the rest.
	stopWatch := context.AfterFunc(ctx, cancel)
	conn, err := a.connect(loopCtx)
	stopWatch()
	if err != nil {
		cancel()
		a.runCancel()
		a.loopErr = err
		close(a.done)
		return fmt.Errorf("registration failed: %w", err)
	}

	go a.loop(loopCtx, conn)
	return nil
}

// Stop cancels every loop and the running workload, waits for them to exit
// and closes the connection. Safe to call more than once.
func (a *Agent) Stop() error {
	a.mu.Lock()
	started := a.started
	cancel := a.cancel
	a.mu.Unlock()
	if !started {
		return nil
	}
	a.stopOnce.Do(cancel)
	<-a.done
	return nil
}

// loop serves conn and reconnects when it drops.
func (a *Agent) loop(ctx context.Context, conn *protocol.Conn) {
	var err error
	defer func() {
		a.stopWorkload("agent stopping")
		a.runCancel()
		a.mu.Lock()
		a.conn = nil
		a.status = types.AgentStatusOffline
		a.mu.Unlock()
		a.loopErr = err
		a.cancel()
		a.logger.Info("agent stopped")
		close(a.done)
	}()

	for {
		serveErr := a.serve(ctx, conn)
		if ctx.Err() != nil || errors.Is(serveErr, errShutdown) {
			return
		}
		a.logger.Warn("connection lost, reconnecting", "error", serveErr)

		conn, err = a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = nil
			}
			return
		}
	}
}

// connect dials and registers, retrying per the reconnect policy.
func (a *Agent) connect(ctx context.Context) (*protocol.Conn, error) {
	if a.capabilities == nil {
		a.capabilities = sysinfo.Capabilities(ctx, Version, a.registry.List(), a.cfg.Agent.Tags)
	}

	var conn *protocol.Conn
	err := a.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		c, err := a.client.Dial(ctx)
		if err != nil {
			return err
		}
		req := protocol.NewRegister(a.ID(), a.cfg.Agent.Name, a.capabilities)
		resp, err := client.Register(c, req, a.cfg.Controller.RegisterTimeout)
		if err != nil {
			c.Close()
			return err
		}

		a.mu.Lock()
		if resp.AgentID != "" {
			a.agentID = resp.AgentID
		}
		if resp.HeartbeatInterval > 0 {
			a.heartbeatInterval = resp.HeartbeatInterval
		}
		if a.run == nil {
			a.status = types.AgentStatusIdle
		}
		a.conn = c
		a.mu.Unlock()

		conn = c
		a.logger.Info("registered with controller",
			"agent_id", resp.AgentID,
			"heartbeat_interval", resp.HeartbeatInterval,
			"attempt", attempt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs the connection loops until conn fails, ctx is cancelled, or
// the controller sends SHUTDOWN.
func (a *Agent) serve(ctx context.Context, conn *protocol.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.receiveLoop(gctx, conn)
	})
	g.Go(func() error {
		return a.heartbeatLoop(gctx, conn)
	})
	g.Go(func() error {
		return a.statsLoop(gctx, conn)
	})
	g.Go(func() error {
		if _, _, err := a.clock.Estimate(gctx, a.heartbeatReference(conn)); err != nil {
			a.logger.Warn("clock sync unavailable, using local clock", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			// Agent is stopping: reap the workload while the connection
			// can still carry the final status.
			a.stopWorkload("agent stopping")
		}
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		conn.Close()
		return nil
	})

	return g.Wait()
}

// receiveLoop reads and dispatches frames.
func (a *Agent) receiveLoop(ctx context.Context, conn *protocol.Conn) error {
	for {
		m, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if protocol.IsProtocolError(err) {
				a.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			return fmt.Errorf("%w: %v", types.ErrConnection, err)
		}
		if err := a.dispatch(conn, m); err != nil {
			return err
		}
	}
}

// heartbeatLoop sends HEARTBEAT every heartbeat interval, starting at once.
func (a *Agent) heartbeatLoop(ctx context.Context, conn *protocol.Conn) error {
	a.mu.Lock()
	interval := a.heartbeatInterval
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := conn.Send(a.heartbeatMessage(time.Now())); err != nil {
			return fmt.Errorf("%w: heartbeat: %v", types.ErrConnection, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// statsLoop sends STATS_REPORT while a workload is running.
func (a *Agent) statsLoop(ctx context.Context, conn *protocol.Conn) error {
	interval := a.cfg.Health.StatsInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		a.mu.Lock()
		running := a.run != nil
		id, status, stats := a.agentID, a.status, maps.Clone(a.stats)
		a.mu.Unlock()
		if !running {
			continue
		}
		if err := conn.Send(protocol.NewStatsReport(id, status, stats)); err != nil {
			return fmt.Errorf("%w: stats report: %v", types.ErrConnection, err)
		}
	}
}

func (a *Agent) heartbeatMessage(sentAt time.Time) protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return protocol.NewHeartbeat(a.agentID, a.status, sentAt, a.stats)
}

// heartbeatReference performs a time-sync exchange by sending an extra
// HEARTBEAT and waiting for the receive loop to deliver its ack.
func (a *Agent) heartbeatReference(conn *protocol.Conn) timesync.Reference {
	return timesync.ReferenceFunc(func(ctx context.Context) (timesync.Sample, error) {
		sentAt := time.Now()
		key := types.EpochSeconds(sentAt)
		ch := make(chan timesync.Sample, 1)

		a.mu.Lock()
		a.ackWaiters[key] = ch
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			delete(a.ackWaiters, key)
			a.mu.Unlock()
		}()

		if err := conn.Send(a.heartbeatMessage(sentAt)); err != nil {
			return timesync.Sample{}, err
		}
		select {
		case s := <-ch:
			return s, nil
		case <-ctx.Done():
			return timesync.Sample{}, ctx.Err()
		}
	})
}

// dispatch handles one controller message.
func (a *Agent) dispatch(conn *protocol.Conn, m protocol.Message) error {
	switch m.Type {
	case protocol.TypeHeartbeatAck:
		a.handleHeartbeatAck(m, time.Now())

	case protocol.TypeStartWorkload:
		cfg, err := protocol.ParseConfig(m)
		if err != nil {
			a.logger.Warn("ignoring invalid start command", "error", err)
			a.reportError(conn, err.Error())
			return nil
		}
		a.startWorkload(cfg)

	case protocol.TypeStopWorkload:
		a.stopWorkload(m.String(protocol.KeyReason))
		a.sendStatus(conn)

	case protocol.TypePauseWorkload:
		a.paused.Store(true)
		a.mu.Lock()
		a.setStatusLocked(types.AgentStatusPaused)
		a.mu.Unlock()
		a.logger.Info("workload paused")
		a.sendStatus(conn)

	case protocol.TypeResumeWorkload:
		if m.Has(protocol.KeyRateLimit) {
			newRate := int(m.Int(protocol.KeyRateLimit))
			workload.SetRate(a.limiter, newRate)
			a.logger.Info("rate limit updated", "rate_limit", newRate)
		}
		if protocol.Unpauses(m) {
			a.paused.Store(false)
			a.mu.Lock()
			if a.status == types.AgentStatusPaused {
				a.setStatusLocked(types.AgentStatusRunning)
			}
			a.mu.Unlock()
			a.logger.Info("workload resumed")
		}
		a.sendStatus(conn)

	case protocol.TypeReadyCheck:
		a.mu.Lock()
		ready := a.status == types.AgentStatusIdle || a.status == types.AgentStatusReady
		if a.status == types.AgentStatusIdle {
			a.setStatusLocked(types.AgentStatusReady)
		}
		id, status := a.agentID, a.status
		a.mu.Unlock()
		if err := conn.Send(protocol.NewReadyAck(id, ready, status)); err != nil {
			a.logger.Warn("failed to send ready ack", "error", err)
		}

	case protocol.TypeStatusRequest:
		a.sendStatus(conn)

	case protocol.TypeShutdown:
		a.logger.Info("shutdown requested by controller", "reason", m.String(protocol.KeyReason))
		if err := conn.Send(protocol.NewShutdownAck(a.ID())); err != nil {
			a.logger.Warn("failed to acknowledge shutdown", "error", err)
		}
		a.stopWorkload("controller shutdown")
		return errShutdown

	default:
		a.logger.Debug("ignoring message", "type", m.Type)
	}
	return nil
}

func (a *Agent) handleHeartbeatAck(m protocol.Message, receivedAt time.Time) {
	sentAt := m.Float(protocol.KeySentAt)
	sample := timesync.Sample{
		T0: epochTime(sentAt),
		T1: epochTime(m.Float(protocol.KeyReceivedAt)),
		T2: epochTime(m.Float(protocol.KeyServerTime)),
		T3: receivedAt,
	}

	a.mu.Lock()
	waiter := a.ackWaiters[sentAt]
	a.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- sample:
		default:
		}
		return
	}
	a.clock.Observe(sample)
}

// startWorkload launches cfg as a background task, replacing any task
// already running.
func (a *Agent) startWorkload(cfg types.WorkloadConfig) {
	w, err := a.registry.Select(cfg.Protocol)
	if err != nil {
		a.logger.Error("no workload for start command", "protocol", cfg.Protocol, "error", err)
		a.reportError(nil, err.Error())
		return
	}

	a.stopWorkload("replaced by new start")

	// start_time is on the controller's clock.
	delay := time.Duration(0)
	if startAt := cfg.StartAt(); !startAt.IsZero() {
		delay = time.Until(a.clock.ToLocal(startAt))
	}

	ctx, cancel := context.WithCancel(a.runCtx)
	run := &activeRun{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.run = run
	a.stats = make(map[string]float64)
	a.lastError = nil
	a.setStatusLocked(types.AgentStatusRunning)
	a.mu.Unlock()
	a.paused.Store(false)
	workload.SetRate(a.limiter, cfg.RateLimit)

	a.logger.Info("starting workload",
		"run_id", cfg.RunID,
		"protocol", w.Protocol(),
		"target", cfg.HostPort(),
		"rate_limit", cfg.RateLimit,
		"duration", cfg.Duration,
		"delay", delay)

	go func() {
		defer close(run.done)
		err := a.execute(ctx, w, cfg, delay)
		a.finishWorkload(run, err)
	}()
}

// execute waits out the start delay and runs w, converting panics into
// errors so a faulty workload cannot take the agent down.
func (a *Agent) execute(ctx context.Context, w Workload, cfg types.WorkloadConfig, delay time.Duration) (err error) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workload panicked: %v", r)
		}
	}()
	return w.Run(ctx, cfg, reporter{a})
}

// finishWorkload reaps a finished task. Failures are reported upstream
// before the agent returns to idle.
func (a *Agent) finishWorkload(run *activeRun, err error) {
	failed := err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)

	a.mu.Lock()
	if a.run != run {
		a.mu.Unlock()
		return
	}
	a.run = nil
	var werr *types.WorkloadError
	if failed {
		werr = &types.WorkloadError{AgentID: a.agentID, Message: err.Error()}
		a.lastError = werr
		a.setStatusLocked(types.AgentStatusError)
	}
	a.setStatusLocked(types.AgentStatusIdle)
	a.mu.Unlock()
	a.paused.Store(false)

	if werr != nil {
		a.logger.Error("workload failed", "run_id", run.cfg.RunID, "error", werr)
		a.reportError(nil, werr.Message)
	} else {
		a.logger.Info("workload finished", "run_id", run.cfg.RunID)
	}
	a.sendStatus(nil)
}

// stopWorkload cancels the running task and waits for it to exit.
func (a *Agent) stopWorkload(reason string) {
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run == nil {
		return
	}

	a.logger.Info("stopping workload", "run_id", run.cfg.RunID, "reason", reason)
	run.cancel()
	<-run.done

	a.mu.Lock()
	a.setStatusLocked(types.AgentStatusIdle)
	a.mu.Unlock()
}

// reportError sends ERROR_REPORT on conn, or the current connection when nil.
func (a *Agent) reportError(conn *protocol.Conn, text string) {
	if err := a.send(conn, protocol.NewErrorReport(a.ID(), text)); err != nil {
		a.logger.Warn("failed to send error report", "error", err)
	}
}

func (a *Agent) sendStatus(conn *protocol.Conn) {
	a.mu.Lock()
	var lastErr string
	if a.lastError != nil {
		lastErr = a.lastError.Message
	}
	m := protocol.NewStatusReport(a.agentID, a.status, a.stats, lastErr)
	a.mu.Unlock()
	if ext, err := m.With("process", sysinfo.ProcessGauges(context.Background())); err == nil {
		m = ext
	}
	if err := a.send(conn, m); err != nil {
		a.logger.Debug("failed to send status report", "error", err)
	}
}

func (a *Agent) send(conn *protocol.Conn, m protocol.Message) error {
	if conn == nil {
		a.mu.Lock()
		conn = a.conn
		a.mu.Unlock()
	}
	if conn == nil {
		return fmt.Errorf("%w: not connected", types.ErrConnection)
	}
	return conn.Send(m)
}

// setStatusLocked applies next when the transition is legal. Callers hold a.mu.
func (a *Agent) setStatusLocked(next types.AgentStatus) bool {
	if !a.status.CanTransition(next) {
		a.logger.Debug("ignoring status transition", "from", a.status, "to", next)
		return false
	}
	a.status = next
	return true
}

// reporter is the Reporter handed to workloads.
type reporter struct{ a *Agent }

func (r reporter) Report(metrics map[string]float64) {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	maps.Copy(r.a.stats, metrics)
}

func (r reporter) Paused() bool           { return r.a.paused.Load() }
func (r reporter) Limiter() *rate.Limiter { return r.a.limiter }

func epochTime(sec float64) time.Time {
	s := int64(sec)
	return time.Unix(s, int64((sec-float64(s))*1e9))
}
