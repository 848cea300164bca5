package controller

import (
	"context"
	"time"

	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// monitor is the only failure detector: agents are never pinged, they are
// judged solely on the heartbeats they send.
func (c *Controller) monitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHeartbeats()
		}
	}
}

type expiredAgent struct {
	id   string
	conn *protocol.Conn
	age  time.Duration
}

// checkHeartbeats takes agents whose last heartbeat is older than the
// heartbeat timeout offline and drops their connections. Agents that have
// been offline longer than the eviction grace are removed from the registry.
func (c *Controller) checkHeartbeats() {
	now := c.now()

	var timedOut []expiredAgent
	var evicted []string

	c.mu.Lock()
	for id, e := range c.agents {
		switch {
		case e.conn != nil:
			if age := now.Sub(e.info.LastHeartbeat); age > c.cfg.HeartbeatTimeout {
				timedOut = append(timedOut, expiredAgent{id: id, conn: e.conn, age: age})
				c.setOfflineLocked(e)
			}
		case now.Sub(e.offlineSince) > c.cfg.EvictionGrace:
			delete(c.agents, id)
			evicted = append(evicted, id)
		}
	}
	c.mu.Unlock()

	for _, a := range timedOut {
		a.conn.Close()
		c.logger.Warn("agent heartbeat timed out",
			"agent_id", a.id,
			"last_heartbeat_age", a.age.Round(time.Millisecond),
			"timeout", c.cfg.HeartbeatTimeout,
		)
		c.markInactive(a.id)
		c.publish(RegistryEvent{
			Kind:    EventOffline,
			AgentID: a.id,
			Status:  types.AgentStatusOffline,
			Reason:  "heartbeat timeout",
		})
	}

	for _, id := range evicted {
		c.logger.Info("evicting offline agent", "agent_id", id, "grace", c.cfg.EvictionGrace)
		if c.cfg.Stats != nil {
			c.cfg.Stats.RemoveAgent(id)
		}
		c.publish(RegistryEvent{Kind: EventRemoved, AgentID: id, Status: types.AgentStatusOffline})
	}
}
