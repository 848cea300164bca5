// Package controller accepts agent connections, owns the agent registry and
// fans control messages out to the fleet.
//
// Every registry read and write goes through a single mutex. Connection
// handlers, the heartbeat monitor and callers of the public API all contend
// on that one lock, so an agent's state never changes halfway through a
// message.
package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// ErrUnknownAgent is returned for operations on an agent the registry does
// not hold.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNotConnected is returned when an agent is registered but has no live
// connection.
var ErrNotConnected = errors.New("agent not connected")

const reasonFleetFull = "fleet full"

// StatsSink receives each agent's latest metrics. A nil stats map means only
// the agent's active flag changed.
type StatsSink interface {
	UpdateAgentStats(agentID string, stats map[string]float64, active bool)
	RemoveAgent(agentID string)
}

// Config holds controller settings. Zero durations take the defaults from
// the config package.
type Config struct {
	ListenAddr string
	TLS        *tls.Config
	Secret     []byte
	MaxAgents  int

	HeartbeatInterval time.Duration // advertised to agents and used as the monitor tick
	HeartbeatTimeout  time.Duration
	EvictionGrace     time.Duration // how long an offline agent stays listed
	RegisterTimeout   time.Duration // first frame must arrive within this
	WriteTimeout      time.Duration

	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	StartLead         time.Duration

	Stats  StatsSink
	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = config.DefaultListenAddr
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = config.DefaultMaxAgents
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = config.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = config.HeartbeatTimeout
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = config.EvictionGrace
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = config.ReadyTimeout
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = config.ReadyPollInterval
	}
	if c.StartLead <= 0 {
		c.StartLead = config.StartLead
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// agentEntry is the registry record for one agent. conn is nil while the
// agent is offline.
type agentEntry struct {
	info         types.AgentInfo
	conn         *protocol.Conn
	acked        bool // REGISTER_ACK written; broadcasts skip the agent until then
	offlineSince time.Time
}

// Controller is the coordination hub for a fleet of agents.
type Controller struct {
	cfg    Config
	codec  *protocol.Codec
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	agents   map[string]*agentEntry
	conns    map[*protocol.Conn]struct{}
	subs     map[int]chan RegistryEvent
	nextSub  int
	listener net.Listener
	cancel   context.CancelFunc
	running  bool
	stopping bool

	wg sync.WaitGroup
}

// New creates a controller. Call Start to begin accepting agents.
func New(cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:    cfg,
		codec:  protocol.NewCodec(cfg.Secret),
		logger: cfg.Logger.With("component", "controller"),
		now:    cfg.Now,
		agents: make(map[string]*agentEntry),
		conns:  make(map[*protocol.Conn]struct{}),
		subs:   make(map[int]chan RegistryEvent),
	}
}

// Start opens the listening endpoint and starts the heartbeat monitor.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("controller already started")
	}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.cfg.ListenAddr, err)
	}
	if c.cfg.TLS != nil {
		ln = tls.NewListener(ln, c.cfg.TLS)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.listener = ln
	c.cancel = cancel
	c.running = true
	c.stopping = false

	c.wg.Add(2)
	go c.acceptLoop(ctx, ln)
	go c.monitor(ctx)

	c.logger.Info("controller started",
		"addr", ln.Addr().String(),
		"tls", c.cfg.TLS != nil,
		"authenticated", c.codec.Authenticated(),
		"max_agents", c.cfg.MaxAgents,
		"heartbeat_interval", c.cfg.HeartbeatInterval,
		"heartbeat_timeout", c.cfg.HeartbeatTimeout,
	)
	return nil
}

// Stop broadcasts STOP to every agent, cancels the monitor, closes all agent
// connections and releases the listener. It waits for every background
// goroutine to exit or for ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	ln, cancel := c.listener, c.cancel
	c.mu.Unlock()

	var errs []error

	c.Broadcast(ctx, protocol.NewStop("controller stopping"))

	c.mu.Lock()
	c.stopping = true
	conns := make([]*protocol.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !protocol.IsClosed(err) {
			errs = append(errs, fmt.Errorf("closing connection to %s: %w", conn.RemoteAddr(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connection handlers: %w", ctx.Err()))
	}

	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}

// Addr returns the listening address, or nil before Start.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// HeartbeatInterval is the interval advertised to agents.
func (c *Controller) HeartbeatInterval() time.Duration {
	return c.cfg.HeartbeatInterval
}

func (c *Controller) acceptLoop(ctx context.Context, ln net.Listener) {
	defer c.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		conn := protocol.NewConn(raw, c.codec, c.cfg.WriteTimeout)
		if !c.track(conn) {
			conn.Close()
			return
		}
		c.wg.Add(1)
		go c.handleConnection(conn)
	}
}

func (c *Controller) track(conn *protocol.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.conns[conn] = struct{}{}
	return true
}

func (c *Controller) untrack(conn *protocol.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// =============================================================================
// REGISTRY QUERIES
// =============================================================================

// Agents returns a copy of every registry record, ordered by agent ID.
func (c *Controller) Agents() []types.AgentInfo {
	c.mu.Lock()
	out := make([]types.AgentInfo, 0, len(c.agents))
	for _, e := range c.agents {
		out = append(out, e.info.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns a copy of one registry record.
func (c *Controller) Agent(id string) (types.AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.agents[id]
	if !ok {
		return types.AgentInfo{}, false
	}
	return e.info.Clone(), true
}

// AvailableCount is the number of connected agents able to take part in a
// workload.
func (c *Controller) AvailableCount() int {
	return c.count(types.AgentStatus.Available)
}

// ActiveCount is the number of agents that are ready or running.
func (c *Controller) ActiveCount() int {
	return c.count(types.AgentStatus.Active)
}

// AvailableIDs lists available agents ordered by registration time.
func (c *Controller) AvailableIDs() []string {
	c.mu.Lock()
	entries := make([]types.AgentInfo, 0, len(c.agents))
	for _, e := range c.agents {
		if e.conn != nil && e.info.Status.Available() {
			entries = append(entries, e.info)
		}
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RegisteredAt.Equal(entries[j].RegisteredAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func (c *Controller) count(pred func(types.AgentStatus) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.agents {
		if e.conn != nil && pred(e.info.Status) {
			n++
		}
	}
	return n
}

func (c *Controller) connectedLocked() int {
	n := 0
	for _, e := range c.agents {
		if e.conn != nil {
			n++
		}
	}
	return n
}

// MarkUnhealthy takes an agent out of the fleet: it goes offline and its
// connection is dropped, exactly as if its heartbeats had stopped.
func (c *Controller) MarkUnhealthy(id, reason string) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	conn := e.conn
	c.setOfflineLocked(e)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Warn("agent marked unhealthy", "agent_id", id, "reason", reason)
	c.markInactive(id)
	c.publish(RegistryEvent{Kind: EventUnhealthy, AgentID: id, Status: types.AgentStatusOffline, Reason: reason})
	return nil
}

func (c *Controller) setOfflineLocked(e *agentEntry) {
	e.conn = nil
	e.acked = false
	e.info.Status = types.AgentStatusOffline
	e.offlineSince = c.now()
}

func (c *Controller) markInactive(id string) {
	if c.cfg.Stats != nil {
		c.cfg.Stats.UpdateAgentStats(id, nil, false)
	}
}
