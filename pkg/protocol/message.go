// Package protocol defines the framed control protocol spoken between the
// controller and its agents.
//
// # Frame Layout
//
//	+----------------+---------------------+----------------------+
//	| length (4B BE) | body (canonical JSON) | tag (32B, optional) |
//	+----------------+---------------------+----------------------+
//
// The length covers body and tag. The body is
// {"type":..., "sender_id":..., "payload":{...}} with payload keys in sorted
// order, so a given message and secret always encode to the same bytes.
//
// # Authentication
//
// Authentication is opt-in. With a shared secret configured, a MAC key is
// derived with HKDF-SHA256 and an HMAC-SHA256 tag over the body is appended.
// Without a secret no tag is written and any body is accepted as-is.
//
// # Payloads
//
// Payloads are open maps of primitive values so fields unknown to one side
// survive a round trip through the other. Typed constructors and accessors
// in payloads.go cover the fields this package knows about.
package protocol

import (
	"fmt"
	"maps"
	"math"
)

// MessageType identifies the kind of control message.
type MessageType string

const (
	// Agent -> Controller
	TypeRegister     MessageType = "register"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeReadyAck     MessageType = "ready_ack"
	TypeStatusReport MessageType = "status_report"
	TypeStatsReport  MessageType = "stats_report"
	TypeErrorReport  MessageType = "error_report"
	TypeShutdownAck  MessageType = "shutdown_ack"

	// Controller -> Agent
	TypeRegisterAck    MessageType = "register_ack"
	TypeHeartbeatAck   MessageType = "heartbeat_ack"
	TypeStartWorkload  MessageType = "start_workload"
	TypeStopWorkload   MessageType = "stop_workload"
	TypePauseWorkload  MessageType = "pause_workload"
	TypeResumeWorkload MessageType = "resume_workload"
	TypeReadyCheck     MessageType = "ready_check"
	TypeStatusRequest  MessageType = "status_request"
	TypeShutdown       MessageType = "shutdown"
)

var knownTypes = map[MessageType]bool{
	TypeRegister: true, TypeRegisterAck: true,
	TypeHeartbeat: true, TypeHeartbeatAck: true,
	TypeStartWorkload: true, TypeStopWorkload: true,
	TypePauseWorkload: true, TypeResumeWorkload: true,
	TypeReadyCheck: true, TypeReadyAck: true,
	TypeStatusRequest: true, TypeStatusReport: true,
	TypeStatsReport: true, TypeErrorReport: true,
	TypeShutdown: true, TypeShutdownAck: true,
}

// Valid reports whether t is one of the protocol's message types.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// Message is a single control message. Treat it as immutable: the payload is
// copied on construction and Payload returns a copy.
type Message struct {
	Type     MessageType
	SenderID string
	payload  Payload
}

// NewMessage builds a message, normalizing payload values to the protocol's
// primitive set (string, bool, int64, float64, nil, []any, map[string]any).
// It panics on values that cannot be represented; use Build for untrusted input.
func NewMessage(typ MessageType, senderID string, payload map[string]any) Message {
	m, err := Build(typ, senderID, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Build is NewMessage returning an error instead of panicking.
func Build(typ MessageType, senderID string, payload map[string]any) (Message, error) {
	if !typ.Valid() {
		return Message{}, newError("unknown message type %q", typ)
	}
	p := make(Payload, len(payload))
	for k, v := range payload {
		nv, err := normalize(v)
		if err != nil {
			return Message{}, fmt.Errorf("payload field %q: %w", k, err)
		}
		p[k] = nv
	}
	return Message{Type: typ, SenderID: senderID, payload: p}, nil
}

// Payload returns a deep copy of the message payload.
func (m Message) Payload() Payload {
	return m.payload.Clone()
}

// With returns a copy of m with key set to value.
func (m Message) With(key string, value any) (Message, error) {
	v, err := normalize(value)
	if err != nil {
		return m, fmt.Errorf("payload field %q: %w", key, err)
	}
	p := m.payload.Clone()
	p[key] = v
	return Message{Type: m.Type, SenderID: m.SenderID, payload: p}, nil
}

// Has reports whether the payload carries key.
func (m Message) Has(key string) bool {
	_, ok := m.payload[key]
	return ok
}

// String returns the string field key, or "" when absent or not a string.
func (m Message) String(key string) string { return m.payload.String(key) }

// Int returns the integer field key (floats are truncated).
func (m Message) Int(key string) int64 { return m.payload.Int(key) }

// Float returns the numeric field key as float64.
func (m Message) Float(key string) float64 { return m.payload.Float(key) }

// Bool returns the boolean field key.
func (m Message) Bool(key string) bool { return m.payload.Bool(key) }

// Map returns a copy of the object field key.
func (m Message) Map(key string) map[string]any { return m.payload.Map(key) }

// Payload is an open map of primitive values.
type Payload map[string]any

// Clone deep-copies the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Payload) Int(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (p Payload) Float(key string) float64 {
	switch v := p[key].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Payload) Map(key string) map[string]any {
	m, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	return maps.Clone(m)
}

// normalize converts Go values into the protocol's primitive set.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return unsigned(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return unsigned(val)
	case float32:
		return float64(val), nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case map[string]float64:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			ne, err := normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ne
		}
		return out, nil
	case Payload:
		return normalize(map[string]any(val))
	}
	return nil, fmt.Errorf("unsupported payload value of type %T", v)
}

// unsigned rejects values the wire's signed integers cannot carry.
func unsigned(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", v)
	}
	return int64(v), nil
}
