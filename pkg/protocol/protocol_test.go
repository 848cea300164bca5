package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleetsync/pkg/types"
)

func sampleMessages() []Message {
	cfg := types.WorkloadConfig{
		RunID:     "run-1",
		Target:    "10.0.0.5",
		Port:      443,
		Protocol:  "noop",
		Duration:  2500 * time.Millisecond,
		RateLimit: 333,
		Shaping:   map[string]any{"jitter": 0.25, "burst": 4},
		SyncStart: true,
		StartTime: 1700000000.5,
	}
	return []Message{
		NewRegister("agent-1", "edge-1", map[string]any{"cpus": 8, "os": "linux"}),
		NewRegisterAck(true, "agent-1", "", 5*time.Second),
		NewRegisterAck(false, "", "fleet full", 0),
		NewHeartbeat("agent-1", types.AgentStatusRunning, time.Unix(1700000000, 0), map[string]float64{"sent": 12}),
		NewHeartbeatAck(1700000000.0, time.Unix(1700000001, 0), time.Unix(1700000001, 500)),
		NewStart(cfg),
		NewStop("duration elapsed"),
		NewPause(),
		NewResume(250),
		NewRateUpdate(125),
		NewReadyCheck(),
		NewReadyAck("agent-1", true, types.AgentStatusIdle),
		NewStatusRequest(),
		NewStatusReport("agent-1", types.AgentStatusError, nil, "boom"),
		NewStatsReport("agent-1", types.AgentStatusRunning, map[string]float64{"packets_sent": 100, "latency_ms": 1.5}),
		NewErrorReport("agent-1", "target unreachable"),
		NewShutdown(""),
		NewShutdownAck("agent-1"),
		NewMessage(TypeStatsReport, "", map[string]any{
			"nested": map[string]any{"list": []any{int64(1), 2.0, "x", nil, true}},
			"zero":   0.0,
			"neg":    int64(-7),
		}),
	}
}

func TestRoundTrip(t *testing.T) {
	secrets := map[string][]byte{
		"none":   nil,
		"empty":  {},
		"short":  []byte("k"),
		"phrase": []byte("correct horse battery staple"),
	}
	for name, secret := range secrets {
		t.Run(name, func(t *testing.T) {
			for _, m := range sampleMessages() {
				frame, err := Encode(m, secret)
				require.NoError(t, err, m.Type)

				got, err := Decode(frame, secret)
				require.NoError(t, err, m.Type)
				assert.Equal(t, m, got, m.Type)
			}
		})
	}
}

func TestDecode_WrongSecret(t *testing.T) {
	for _, m := range sampleMessages() {
		frame, err := Encode(m, []byte("alpha"))
		require.NoError(t, err)

		_, err = Decode(frame, []byte("bravo"))
		assert.ErrorIs(t, err, ErrProtocol, m.Type)
	}
}

func TestDecode_MissingTag(t *testing.T) {
	frame, err := Encode(NewPause(), nil)
	require.NoError(t, err)

	_, err = Decode(frame, []byte("secret"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEncode_Deterministic(t *testing.T) {
	for _, m := range sampleMessages() {
		a, err := Encode(m, []byte("s"))
		require.NoError(t, err)
		b, err := Encode(m, []byte("s"))
		require.NoError(t, err)
		assert.Equal(t, a, b, m.Type)
	}
}

func TestEncode_Layout(t *testing.T) {
	m := NewMessage(TypePauseWorkload, "controller", nil)

	frame, err := Encode(m, nil)
	require.NoError(t, err)
	body := `{"type":"pause_workload","sender_id":"controller","payload":{}}`
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(frame[:HeaderSize]))
	assert.Equal(t, body, string(frame[HeaderSize:]))

	authed, err := Encode(m, []byte("s"))
	require.NoError(t, err)
	assert.Len(t, authed, HeaderSize+len(body)+TagSize)
	assert.Equal(t, frame[HeaderSize:], authed[HeaderSize:HeaderSize+len(body)])
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(NewReadyCheck(), nil)
	require.NoError(t, err)

	frameOf := func(body string) []byte {
		frame := make([]byte, HeaderSize, HeaderSize+len(body))
		binary.BigEndian.PutUint32(frame, uint32(len(body)))
		return append(frame, body...)
	}
	mismatch := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(mismatch, uint32(len(valid)))

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"truncated prefix", []byte{0, 0}},
		{"length mismatch", mismatch},
		{"body cut short", valid[:len(valid)-3]},
		{"unknown type", frameOf(`{"type":"start_attack_now","sender_id":"x","payload":{}}`)},
		{"not json", frameOf("abc")},
		{"trailing data", frameOf(`{"type":"pause_workload","sender_id":"","payload":{}}{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol))
			var perr *Error
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	m := NewMessage(TypeHeartbeat, "agent-9", map[string]any{
		KeyStatus:       "idle",
		"x_future":      map[string]any{"depth": int64(3), "ratio": 0.5},
		"x_flags":       []any{"a", "b"},
		"x_whole_float": 3.0,
	})
	frame, err := Encode(m, []byte("s"))
	require.NoError(t, err)

	got, err := Decode(frame, []byte("s"))
	require.NoError(t, err)
	assert.Equal(t, m.Payload(), got.Payload())
	assert.IsType(t, float64(0), got.Payload()["x_whole_float"])
	assert.Equal(t, int64(3), Payload(got.Map("x_future")).Int("depth"))
}

func TestBuild_Rejects(t *testing.T) {
	_, err := Build("bogus", "", nil)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = Build(TypeStatsReport, "", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestBuild_UnsignedRange(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{"uint64 max int64", uint64(math.MaxInt64), math.MaxInt64, false},
		{"uint64 overflow", uint64(math.MaxInt64) + 1, 0, true},
		{"uint64 max", uint64(math.MaxUint64), 0, true},
		{"uint max", ^uint(0), 0, true},
		{"uint32 max", uint32(math.MaxUint32), math.MaxUint32, false},
		{"nested overflow", []any{uint64(math.MaxUint64)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Build(TypeStatsReport, "", map[string]any{"n": tt.value})
			if tt.wantErr {
				assert.ErrorContains(t, err, "overflows int64")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Int("n"))

			frame, err := Encode(m, nil)
			require.NoError(t, err)
			got, err := Decode(frame, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int("n"))
		})
	}
}

func TestStreamHelpers(t *testing.T) {
	c := NewCodec([]byte("secret"))
	assert.True(t, c.Authenticated())
	assert.False(t, NewCodec(nil).Authenticated())

	var buf bytes.Buffer
	msgs := sampleMessages()
	for _, m := range msgs {
		require.NoError(t, c.WriteMessage(&buf, m))
	}
	for _, want := range msgs {
		got, err := c.ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := c.ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_Limits(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// An oversized frame is skipped and the next one still decodes.
	var buf bytes.Buffer
	buf.Write(header[:])
	buf.Write(make([]byte, MaxFrameSize+1))
	next, err := Encode(NewReadyCheck(), nil)
	require.NoError(t, err)
	buf.Write(next)
	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrProtocol)
	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, next, frame)

	binary.BigEndian.PutUint32(header[:], 10)
	_, err = ReadFrame(bytes.NewReader(append(header[:], 'a', 'b')))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPayloadAccessors(t *testing.T) {
	cfg := types.WorkloadConfig{
		Target:    "example.net",
		Port:      80,
		Protocol:  "http",
		Duration:  3 * time.Second,
		RateLimit: 100,
		SyncStart: true,
		StartTime: 1700000002.25,
	}
	frame, err := Encode(NewStart(cfg), nil)
	require.NoError(t, err)
	m, err := Decode(frame, nil)
	require.NoError(t, err)

	got, err := ParseConfig(m)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = ParseConfig(NewPause())
	assert.Error(t, err)

	ack := NewRegisterAck(true, "a", "", 1500*time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, HeartbeatInterval(ack))

	hb := NewHeartbeat("a", types.AgentStatusPaused, time.Now(), map[string]float64{"n": 2})
	st, ok := StatusOf(hb)
	assert.True(t, ok)
	assert.Equal(t, types.AgentStatusPaused, st)
	assert.Equal(t, map[string]float64{"n": 2}, StatsOf(hb))

	_, ok = StatusOf(NewPause())
	assert.False(t, ok)
}

func TestConn(t *testing.T) {
	a, b := net.Pipe()
	codec := NewCodec([]byte("pipe"))
	left := NewConn(a, codec, time.Second)
	right := NewConn(b, codec, time.Second)

	go func() {
		_ = left.Send(NewReadyCheck())
		// A frame authenticated with another secret is dropped by the
		// receiver without breaking the stream.
		bad, _ := Encode(NewPause(), []byte("other"))
		_, _ = a.Write(bad)
		_ = left.Send(NewShutdown("bye"))
	}()

	m, err := right.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeReadyCheck, m.Type)

	_, err = right.Receive()
	assert.ErrorIs(t, err, ErrProtocol)

	m, err = right.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, m.Type)
	assert.Equal(t, "bye", m.String(KeyReason))

	require.NoError(t, left.Close())
	require.NoError(t, left.Close())
	_, err = right.Receive()
	assert.True(t, IsClosed(err))
	assert.False(t, IsClosed(ErrProtocol))
}

func TestMessage_With(t *testing.T) {
	base := NewStatusRequest()
	ext, err := base.With("x_extra", map[string]float64{"a": 1})
	require.NoError(t, err)

	assert.False(t, base.Has("x_extra"))
	assert.Equal(t, map[string]any{"a": 1.0}, ext.Map("x_extra"))

	_, err = base.With("bad", func() {})
	assert.Error(t, err)
}

func TestUnpauses(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"bare resume", NewResume(0), true},
		{"resume with rate", NewResume(250), true},
		{"rate update", NewRateUpdate(250), false},
		{"legacy resume", NewMessage(TypeResumeWorkload, ControllerID, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unpauses(tt.msg))
		})
	}
}
