package protocol

import (
	"fmt"
	"time"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// ControllerID is the sender id used on every controller-originated message.
const ControllerID = "controller"

// Payload keys understood by both sides. Any other key is carried through
// untouched.
const (
	KeyAgentID           = "agent_id"
	KeyName              = "name"
	KeyCapabilities      = "capabilities"
	KeyAccepted          = "accepted"
	KeyReason            = "reason"
	KeyHeartbeatInterval = "heartbeat_interval" // seconds
	KeyStatus            = "status"
	KeyStats             = "stats"
	KeySentAt            = "sent_at"     // epoch seconds, agent clock
	KeyReceivedAt        = "received_at" // epoch seconds, controller clock
	KeyServerTime        = "server_time" // epoch seconds, controller clock
	KeyReady             = "ready"
	KeyError             = "error"
	KeyConfig            = "config"
	KeyRateLimit         = "rate_limit"
	KeyUnpause           = "unpause"
)

// NewRegister announces an agent and its capability hints.
func NewRegister(agentID, name string, capabilities map[string]any) Message {
	return NewMessage(TypeRegister, agentID, map[string]any{
		KeyName:         name,
		KeyCapabilities: capabilities,
	})
}

// NewRegisterAck answers a registration.
func NewRegisterAck(accepted bool, agentID, reason string, heartbeat time.Duration) Message {
	p := map[string]any{
		KeyAccepted: accepted,
		KeyAgentID:  agentID,
	}
	if reason != "" {
		p[KeyReason] = reason
	}
	if heartbeat > 0 {
		p[KeyHeartbeatInterval] = heartbeat.Seconds()
	}
	return NewMessage(TypeRegisterAck, ControllerID, p)
}

// HeartbeatInterval reads the interval advertised in a REGISTER_ACK.
func HeartbeatInterval(m Message) time.Duration {
	return time.Duration(m.Float(KeyHeartbeatInterval) * float64(time.Second))
}

// NewHeartbeat reports liveness. sentAt doubles as the time-sync request
// departure timestamp.
func NewHeartbeat(agentID string, status types.AgentStatus, sentAt time.Time, stats map[string]float64) Message {
	p := map[string]any{
		KeyStatus: string(status),
		KeySentAt: types.EpochSeconds(sentAt),
	}
	if len(stats) > 0 {
		p[KeyStats] = stats
	}
	return NewMessage(TypeHeartbeat, agentID, p)
}

// NewHeartbeatAck echoes the agent's departure timestamp along with the
// controller's receipt and reply times.
func NewHeartbeatAck(sentAt float64, receivedAt, serverTime time.Time) Message {
	return NewMessage(TypeHeartbeatAck, ControllerID, map[string]any{
		KeySentAt:     sentAt,
		KeyReceivedAt: types.EpochSeconds(receivedAt),
		KeyServerTime: types.EpochSeconds(serverTime),
	})
}

// NewStart dispatches a workload.
func NewStart(cfg types.WorkloadConfig) Message {
	return NewMessage(TypeStartWorkload, ControllerID, map[string]any{
		KeyConfig: ConfigPayload(cfg),
	})
}

// NewStop cancels the running workload.
func NewStop(reason string) Message {
	p := map[string]any{}
	if reason != "" {
		p[KeyReason] = reason
	}
	return NewMessage(TypeStopWorkload, ControllerID, p)
}

// NewPause asks the agent to flag its workload as paused.
func NewPause() Message {
	return NewMessage(TypePauseWorkload, ControllerID, nil)
}

// NewResume clears the pause flag. A positive rate also re-targets the
// agent's rate limit without restarting the workload.
func NewResume(rateLimit int) Message {
	p := map[string]any{KeyUnpause: true}
	if rateLimit > 0 {
		p[KeyRateLimit] = rateLimit
	}
	return NewMessage(TypeResumeWorkload, ControllerID, p)
}

// NewRateUpdate re-targets the agent's rate limit and leaves the pause flag
// as it is.
func NewRateUpdate(rateLimit int) Message {
	return NewMessage(TypeResumeWorkload, ControllerID, map[string]any{
		KeyRateLimit: rateLimit,
	})
}

// Unpauses reports whether a RESUME_WORKLOAD clears the pause flag. A bare
// resume does; a rate update without the unpause flag does not.
func Unpauses(m Message) bool {
	return m.Bool(KeyUnpause) || !m.Has(KeyRateLimit)
}

// NewReadyCheck asks every agent whether it can accept a workload.
func NewReadyCheck() Message {
	return NewMessage(TypeReadyCheck, ControllerID, nil)
}

// NewReadyAck answers a READY_CHECK.
func NewReadyAck(agentID string, ready bool, status types.AgentStatus) Message {
	return NewMessage(TypeReadyAck, agentID, map[string]any{
		KeyReady:  ready,
		KeyStatus: string(status),
	})
}

// NewStatusRequest asks an agent for a STATUS_REPORT.
func NewStatusRequest() Message {
	return NewMessage(TypeStatusRequest, ControllerID, nil)
}

// NewStatusReport carries an agent's state and latest stats.
func NewStatusReport(agentID string, status types.AgentStatus, stats map[string]float64, lastError string) Message {
	p := map[string]any{KeyStatus: string(status)}
	if len(stats) > 0 {
		p[KeyStats] = stats
	}
	if lastError != "" {
		p[KeyError] = lastError
	}
	return NewMessage(TypeStatusReport, agentID, p)
}

// NewStatsReport carries a metrics snapshot.
func NewStatsReport(agentID string, status types.AgentStatus, stats map[string]float64) Message {
	return NewMessage(TypeStatsReport, agentID, map[string]any{
		KeyStatus: string(status),
		KeyStats:  stats,
	})
}

// NewErrorReport carries the text of a failed workload.
func NewErrorReport(agentID, message string) Message {
	return NewMessage(TypeErrorReport, agentID, map[string]any{KeyError: message})
}

// NewShutdown asks an agent to stop gracefully.
func NewShutdown(reason string) Message {
	p := map[string]any{}
	if reason != "" {
		p[KeyReason] = reason
	}
	return NewMessage(TypeShutdown, ControllerID, p)
}

// NewShutdownAck acknowledges a SHUTDOWN.
func NewShutdownAck(agentID string) Message {
	return NewMessage(TypeShutdownAck, agentID, nil)
}

// StatusOf returns the status carried by m, if any.
func StatusOf(m Message) (types.AgentStatus, bool) {
	raw := m.String(KeyStatus)
	if raw == "" {
		return "", false
	}
	st, err := types.ParseAgentStatus(raw)
	if err != nil {
		return "", false
	}
	return st, true
}

// StatsOf returns the numeric metrics carried by m. Non-numeric entries are
// skipped.
func StatsOf(m Message) map[string]float64 {
	raw := m.Map(KeyStats)
	if raw == nil {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case int64:
			out[k] = float64(n)
		case float64:
			out[k] = n
		}
	}
	return out
}

// ConfigPayload flattens a workload config into payload values.
func ConfigPayload(cfg types.WorkloadConfig) map[string]any {
	p := map[string]any{
		"target":     cfg.Target,
		"port":       int64(cfg.Port),
		"protocol":   cfg.Protocol,
		"duration":   cfg.Duration.Seconds(),
		"rate_limit": int64(cfg.RateLimit),
		"sync_start": cfg.SyncStart,
		"start_time": cfg.StartTime,
	}
	if cfg.RunID != "" {
		p["run_id"] = cfg.RunID
	}
	if len(cfg.Shaping) > 0 {
		p["shaping"] = cfg.Shaping
	}
	return p
}

// ParseConfig extracts the workload config from a START message.
func ParseConfig(m Message) (types.WorkloadConfig, error) {
	raw := m.Map(KeyConfig)
	if raw == nil {
		return types.WorkloadConfig{}, fmt.Errorf("start message has no config")
	}
	p := Payload(raw)
	cfg := types.WorkloadConfig{
		RunID:     p.String("run_id"),
		Target:    p.String("target"),
		Port:      int(p.Int("port")),
		Protocol:  p.String("protocol"),
		Duration:  time.Duration(p.Float("duration") * float64(time.Second)),
		RateLimit: int(p.Int("rate_limit")),
		Shaping:   p.Map("shaping"),
		SyncStart: p.Bool("sync_start"),
		StartTime: p.Float("start_time"),
	}
	if cfg.Target == "" {
		return cfg, fmt.Errorf("start message has no target")
	}
	return cfg, nil
}
