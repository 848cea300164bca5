package controller

import (
	"time"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// EventKind classifies a registry change.
type EventKind string

const (
	EventAdded     EventKind = "added"     // registered or re-registered
	EventStatus    EventKind = "status"    // status changed
	EventOffline   EventKind = "offline"   // connection lost or heartbeat timed out
	EventUnhealthy EventKind = "unhealthy" // taken out by MarkUnhealthy
	EventRemoved   EventKind = "removed"   // evicted after the offline grace period
)

// RegistryEvent describes one change to the agent registry.
type RegistryEvent struct {
	Kind    EventKind         `json:"kind"`
	AgentID string            `json:"agent_id"`
	Status  types.AgentStatus `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Time    time.Time         `json:"time"`
}

// Subscribe returns a stream of registry events and a function that ends the
// subscription. A subscriber that falls behind loses events; consumers that
// need the full picture should reconcile against Agents periodically.
func (c *Controller) Subscribe() (<-chan RegistryEvent, func()) {
	ch := make(chan RegistryEvent, config.StreamBuffer*4)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) publish(ev RegistryEvent) {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("registry subscriber full, dropping event",
				"kind", ev.Kind,
				"agent_id", ev.AgentID,
			)
		}
	}
}
