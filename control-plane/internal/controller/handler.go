package controller

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// handleConnection runs one agent's read loop until the peer goes away or
// the controller stops. Malformed frames are dropped without closing the
// connection.
func (c *Controller) handleConnection(conn *protocol.Conn) {
	defer c.wg.Done()

	logger := c.logger.With("remote_addr", conn.RemoteAddr())
	var agentID string
	defer func() {
		conn.Close()
		c.untrack(conn)
		if agentID != "" {
			c.disconnected(agentID, conn, logger)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.RegisterTimeout))
	for {
		m, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				logger.Warn("dropping malformed frame", "agent_id", agentID, "error", err)
				continue
			}
			if !protocol.IsClosed(err) {
				logger.Debug("connection read ended", "agent_id", agentID, "error", err)
			}
			return
		}

		if agentID == "" {
			if m.Type != protocol.TypeRegister {
				logger.Warn("message before registration", "type", m.Type)
				continue
			}
			id, ok := c.handleRegister(conn, m, logger)
			agentID = id
			if !ok {
				return
			}
			conn.SetReadDeadline(time.Time{})
			continue
		}

		c.dispatch(conn, agentID, m, logger)
	}
}

// handleRegister admits or rejects an agent. The returned ID is empty when
// nothing was added to the registry.
func (c *Controller) handleRegister(conn *protocol.Conn, m protocol.Message, logger *slog.Logger) (string, bool) {
	id := m.SenderID
	if id == "" {
		id = uuid.NewString()
	}
	now := c.now()

	c.mu.Lock()
	entry, exists := c.agents[id]
	if (!exists || entry.conn == nil) && c.connectedLocked() >= c.cfg.MaxAgents {
		c.mu.Unlock()
		logger.Warn("registration rejected",
			"agent_id", id,
			"reason", reasonFleetFull,
			"max_agents", c.cfg.MaxAgents,
		)
		if err := conn.Send(protocol.NewRegisterAck(false, id, reasonFleetFull, 0)); err != nil {
			logger.Debug("failed to send rejection", "agent_id", id, "error", err)
		}
		return "", false
	}

	var previous *protocol.Conn
	info := types.AgentInfo{
		ID:            id,
		Name:          m.String(protocol.KeyName),
		RemoteAddr:    conn.RemoteAddr(),
		Capabilities:  m.Map(protocol.KeyCapabilities),
		Status:        types.AgentStatusIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if exists {
		if entry.conn != conn {
			previous = entry.conn
		}
		info.Stats = entry.info.Stats
		info.LastError = entry.info.LastError
	} else {
		entry = &agentEntry{}
		c.agents[id] = entry
	}
	entry.info = info
	entry.conn = conn
	entry.acked = false
	entry.offlineSince = time.Time{}
	c.mu.Unlock()

	if previous != nil {
		logger.Info("agent re-registered, replacing previous connection", "agent_id", id)
		previous.Close()
	}

	if err := conn.Send(protocol.NewRegisterAck(true, id, "", c.cfg.HeartbeatInterval)); err != nil {
		logger.Warn("failed to acknowledge registration", "agent_id", id, "error", err)
		return id, false
	}

	c.mu.Lock()
	if entry.conn == conn {
		entry.acked = true
	}
	c.mu.Unlock()

	logger.Info("agent registered",
		"agent_id", id,
		"name", info.Name,
		"reconnect", exists,
	)
	c.publish(RegistryEvent{Kind: EventAdded, AgentID: id, Status: types.AgentStatusIdle})
	return id, true
}

func (c *Controller) dispatch(conn *protocol.Conn, id string, m protocol.Message, logger *slog.Logger) {
	switch m.Type {
	case protocol.TypeHeartbeat:
		receivedAt := c.now()
		c.applyReport(id, conn, m, receivedAt)
		ack := protocol.NewHeartbeatAck(m.Float(protocol.KeySentAt), receivedAt, c.now())
		if err := conn.Send(ack); err != nil {
			logger.Debug("failed to acknowledge heartbeat", "agent_id", id, "error", err)
		}

	case protocol.TypeStatusReport, protocol.TypeStatsReport, protocol.TypeReadyAck:
		c.applyReport(id, conn, m, time.Time{})

	case protocol.TypeErrorReport:
		text := m.String(protocol.KeyError)
		logger.Error("agent reported workload error", "agent_id", id, "error", text)
		c.setStatus(id, conn, types.AgentStatusError, text)

	case protocol.TypeShutdownAck:
		logger.Info("agent acknowledged shutdown", "agent_id", id)

	case protocol.TypeRegister:
		logger.Warn("duplicate registration on live connection", "agent_id", id)

	default:
		logger.Warn("unexpected message from agent", "agent_id", id, "type", m.Type)
	}
}

// applyReport folds a heartbeat or report into the registry. A zero
// heartbeatAt leaves the liveness timestamp alone. Reports are "latest wins";
// the agent is the authority on its own status.
func (c *Controller) applyReport(id string, conn *protocol.Conn, m protocol.Message, heartbeatAt time.Time) {
	status, hasStatus := protocol.StatusOf(m)
	if status == types.AgentStatusOffline {
		hasStatus = false
	}
	stats := protocol.StatsOf(m)

	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok || e.conn != conn {
		c.mu.Unlock()
		return
	}
	prev := e.info.Status
	if !heartbeatAt.IsZero() {
		e.info.LastHeartbeat = heartbeatAt
	}
	if hasStatus {
		e.info.Status = status
	}
	if stats != nil {
		e.info.Stats = stats
	}
	if text := m.String(protocol.KeyError); text != "" {
		e.info.LastError = text
	}
	current := e.info.Status
	c.mu.Unlock()

	if c.cfg.Stats != nil && (stats != nil || current != prev) {
		c.cfg.Stats.UpdateAgentStats(id, stats, current.Active())
	}
	if current != prev {
		c.publish(RegistryEvent{Kind: EventStatus, AgentID: id, Status: current})
	}
}

func (c *Controller) setStatus(id string, conn *protocol.Conn, status types.AgentStatus, lastError string) {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok || e.conn != conn {
		c.mu.Unlock()
		return
	}
	prev := e.info.Status
	e.info.Status = status
	if lastError != "" {
		e.info.LastError = lastError
	}
	c.mu.Unlock()

	if status != prev {
		if c.cfg.Stats != nil {
			c.cfg.Stats.UpdateAgentStats(id, nil, status.Active())
		}
		c.publish(RegistryEvent{Kind: EventStatus, AgentID: id, Status: status, Reason: lastError})
	}
}

// disconnected marks the agent offline if conn is still its current
// connection. A connection replaced by a re-registration is ignored.
func (c *Controller) disconnected(id string, conn *protocol.Conn, logger *slog.Logger) {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok || e.conn != conn {
		c.mu.Unlock()
		return
	}
	c.setOfflineLocked(e)
	c.mu.Unlock()

	logger.Info("agent disconnected", "agent_id", id)
	c.markInactive(id)
	c.publish(RegistryEvent{Kind: EventOffline, AgentID: id, Status: types.AgentStatusOffline, Reason: "connection closed"})
}
