package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// maxConcurrentSends bounds the fan-out goroutines of a single broadcast.
const maxConcurrentSends = 64

type sendTarget struct {
	id   string
	conn *protocol.Conn
	msg  protocol.Message
}

// Broadcast sends m to every connected agent and returns how many it reached.
// A failed send is logged and does not affect the others.
func (c *Controller) Broadcast(ctx context.Context, m protocol.Message) int {
	return c.fanOut(ctx, c.targets(nil, func(string) protocol.Message { return m }))
}

// SendTo sends m to the listed agents. Unknown or offline agents are skipped.
func (c *Controller) SendTo(ctx context.Context, ids []string, m protocol.Message) int {
	return c.fanOut(ctx, c.targets(ids, func(string) protocol.Message { return m }))
}

// SendEach sends every agent in msgs its own message.
func (c *Controller) SendEach(ctx context.Context, msgs map[string]protocol.Message) int {
	ids := make([]string, 0, len(msgs))
	for id := range msgs {
		ids = append(ids, id)
	}
	return c.fanOut(ctx, c.targets(ids, func(id string) protocol.Message { return msgs[id] }))
}

// SendToAgent sends m to a single agent.
func (c *Controller) SendToAgent(id string, m protocol.Message) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	var conn *protocol.Conn
	if ok && e.acked {
		conn = e.conn
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	if err := conn.Send(m); err != nil {
		return fmt.Errorf("sending %s to agent %s: %w: %w", m.Type, id, types.ErrConnection, err)
	}
	return nil
}

// targets snapshots the connections for ids, or for every connected agent
// when ids is nil.
func (c *Controller) targets(ids []string, msgFor func(id string) protocol.Message) []sendTarget {
	c.mu.Lock()
	defer c.mu.Unlock()

	connected := c.connectedIDsLocked(ids)
	out := make([]sendTarget, 0, len(connected))
	for _, id := range connected {
		out = append(out, sendTarget{id: id, conn: c.agents[id].conn, msg: msgFor(id)})
	}
	return out
}

func (c *Controller) fanOut(ctx context.Context, targets []sendTarget) int {
	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)

	var reached atomic.Int64
	for _, t := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := t.conn.Send(t.msg); err != nil {
				c.logger.Warn("send to agent failed",
					"agent_id", t.id,
					"type", t.msg.Type,
					"error", err,
				)
				return nil
			}
			reached.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(reached.Load())
}

// =============================================================================
// WORKLOAD CONTROL
// =============================================================================

// StartWorkload starts cfg on every connected agent. See StartAgents.
func (c *Controller) StartWorkload(ctx context.Context, cfg types.WorkloadConfig, sync bool) (types.WorkloadConfig, error) {
	return c.StartAgents(ctx, nil, cfg, sync)
}

// StartAgents dispatches cfg to the listed agents (all connected agents when
// ids is nil). With sync set and cfg.SyncStart true it first runs the ready
// barrier: READY_CHECK is broadcast and the registry is polled until every
// targeted agent reports ready or ReadyTimeout passes. The barrier is best
// effort and the start proceeds on timeout. A zero StartTime is replaced
// with now plus StartLead. The config actually sent is returned.
func (c *Controller) StartAgents(ctx context.Context, ids []string, cfg types.WorkloadConfig, sync bool) (types.WorkloadConfig, error) {
	if len(c.connectedIDs(ids)) == 0 {
		return cfg, types.ErrNoAgents
	}

	if sync && cfg.SyncStart {
		c.awaitReady(ctx, ids)
	}
	if cfg.StartTime <= 0 {
		cfg.StartTime = types.EpochSeconds(c.now().Add(c.cfg.StartLead))
	}

	reached := c.SendTo(ctx, ids, protocol.NewStart(cfg))
	if reached == 0 {
		return cfg, fmt.Errorf("start reached no agents: %w", types.ErrNoAgents)
	}

	c.logger.Info("workload started",
		"run_id", cfg.RunID,
		"target", cfg.HostPort(),
		"protocol", cfg.Protocol,
		"agents", reached,
		"rate_limit", cfg.RateLimit,
		"start_at", cfg.StartAt().Format(time.RFC3339Nano),
	)
	return cfg, nil
}

// awaitReady reports whether every targeted agent reached READY before the
// barrier timed out.
func (c *Controller) awaitReady(ctx context.Context, ids []string) bool {
	c.SendTo(ctx, ids, protocol.NewReadyCheck())

	deadline := time.NewTimer(c.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		ready, total := c.readyCount(ids)
		if ready == total {
			c.logger.Debug("all agents ready", "agents", total)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			c.logger.Warn("ready barrier timed out, starting anyway",
				"ready", ready,
				"agents", total,
				"timeout", c.cfg.ReadyTimeout,
			)
			return false
		case <-ticker.C:
		}
	}
}

func (c *Controller) readyCount(ids []string) (ready, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.connectedIDsLocked(ids) {
		total++
		if c.agents[id].info.Status == types.AgentStatusReady {
			ready++
		}
	}
	return ready, total
}

func (c *Controller) connectedIDs(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedIDsLocked(ids)
}

// connectedIDsLocked filters ids (every agent when nil) down to agents with
// an acknowledged connection.
func (c *Controller) connectedIDsLocked(ids []string) []string {
	var out []string
	if ids == nil {
		for id, e := range c.agents {
			if e.conn != nil && e.acked {
				out = append(out, id)
			}
		}
		return out
	}
	for _, id := range ids {
		if e, ok := c.agents[id]; ok && e.conn != nil && e.acked {
			out = append(out, id)
		}
	}
	return out
}

// StopWorkload broadcasts STOP to every connected agent.
func (c *Controller) StopWorkload(ctx context.Context, reason string) int {
	n := c.Broadcast(ctx, protocol.NewStop(reason))
	c.logger.Info("workload stop broadcast", "reason", reason, "agents", n)
	return n
}

// Pause broadcasts PAUSE.
func (c *Controller) Pause(ctx context.Context) int {
	return c.Broadcast(ctx, protocol.NewPause())
}

// Resume broadcasts RESUME. A positive rate also re-targets every agent.
func (c *Controller) Resume(ctx context.Context, rateLimit int) int {
	return c.Broadcast(ctx, protocol.NewResume(rateLimit))
}

// RequestStatus asks every agent for a STATUS_REPORT.
func (c *Controller) RequestStatus(ctx context.Context) int {
	return c.Broadcast(ctx, protocol.NewStatusRequest())
}

// Shutdown asks every agent to stop gracefully.
func (c *Controller) Shutdown(ctx context.Context, reason string) int {
	n := c.Broadcast(ctx, protocol.NewShutdown(reason))
	c.logger.Info("shutdown broadcast", "reason", reason, "agents", n)
	return n
}
