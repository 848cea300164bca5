package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4

	// TagSize is the size of the HMAC-SHA256 authentication tag.
	TagSize = sha256.Size

	// MaxFrameSize bounds the body (plus tag) of a single frame.
	MaxFrameSize = 1 << 20

	keyInfo = "fleetsync/frame/v1"
)

// ErrProtocol is matched by every malformed or unauthenticated frame.
var ErrProtocol = errors.New("protocol error")

// Error describes why a frame was rejected.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol error: " + e.Reason
}

func (e *Error) Is(target error) bool {
	return target == ErrProtocol
}

func newError(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Encode frames m, authenticating it when secret is non-empty.
func Encode(m Message, secret []byte) ([]byte, error) {
	return NewCodec(secret).Encode(m)
}

// Decode parses a complete frame produced by Encode with the same secret.
func Decode(frame []byte, secret []byte) (Message, error) {
	return NewCodec(secret).Decode(frame)
}

// Codec encodes and decodes frames with a fixed shared secret.
// A Codec is safe for concurrent use.
type Codec struct {
	key []byte // nil when authentication is disabled
}

// NewCodec derives the frame MAC key from secret. An empty secret disables
// authentication.
func NewCodec(secret []byte) *Codec {
	if len(secret) == 0 {
		return &Codec{}
	}
	key := make([]byte, TagSize)
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes; 32 never fails.
		panic(fmt.Sprintf("deriving frame key: %v", err))
	}
	return &Codec{key: key}
}

// Authenticated reports whether frames carry a MAC tag.
func (c *Codec) Authenticated() bool {
	return c.key != nil
}

type wireMessage struct {
	Type     MessageType    `json:"type"`
	SenderID string         `json:"sender_id"`
	Payload  map[string]any `json:"payload"`
}

// Encode frames m.
func (c *Codec) Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, newError("unknown message type %q", m.Type)
	}
	payload, err := toWire(map[string]any(m.payload))
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	body, err := json.Marshal(wireMessage{
		Type:     m.Type,
		SenderID: m.SenderID,
		Payload:  payload.(map[string]any),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	size := len(body)
	if c.key != nil {
		size += TagSize
	}
	if size > MaxFrameSize {
		return nil, newError("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}

	frame := make([]byte, HeaderSize, HeaderSize+size)
	binary.BigEndian.PutUint32(frame, uint32(size))
	frame = append(frame, body...)
	if c.key != nil {
		frame = append(frame, c.tag(body)...)
	}
	return frame, nil
}

// Decode parses a complete frame.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, newError("truncated length prefix (%d bytes)", len(frame))
	}
	size := binary.BigEndian.Uint32(frame[:HeaderSize])
	rest := frame[HeaderSize:]
	if uint64(size) != uint64(len(rest)) {
		return Message{}, newError("length mismatch: header says %d, got %d", size, len(rest))
	}

	body := rest
	if c.key != nil {
		if len(rest) < TagSize {
			return Message{}, newError("frame too short for authentication tag")
		}
		body = rest[:len(rest)-TagSize]
		if !hmac.Equal(rest[len(rest)-TagSize:], c.tag(body)) {
			return Message{}, newError("authentication tag mismatch")
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var wm wireMessage
	if err := dec.Decode(&wm); err != nil {
		return Message{}, newError("malformed body: %v", err)
	}
	if dec.More() {
		return Message{}, newError("trailing data after body")
	}
	if !wm.Type.Valid() {
		return Message{}, newError("unknown message type %q", wm.Type)
	}

	payload := make(Payload, len(wm.Payload))
	for k, v := range wm.Payload {
		payload[k] = fromWire(v)
	}
	return Message{Type: wm.Type, SenderID: wm.SenderID, payload: payload}, nil
}

// ReadMessage reads and decodes one frame from r. Transport errors (including
// io.EOF) are returned unwrapped; malformed frames match ErrProtocol.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return c.Decode(frame)
}

// WriteMessage encodes m and writes it to w in a single Write call.
func (c *Codec) WriteMessage(w io.Writer, m Message) error {
	frame, err := c.Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, frame)
}

// ReadFrame reads one length-prefixed frame (header included) from r.
// Oversized frames are consumed and reported as protocol errors.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		// Skip the body so the stream stays aligned on the next frame.
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return nil, newError("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	frame := make([]byte, HeaderSize+int(size))
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes an already encoded frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) < HeaderSize {
		return newError("truncated length prefix (%d bytes)", len(frame))
	}
	_, err := w.Write(frame)
	return err
}

func (c *Codec) tag(body []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	return mac.Sum(nil)
}

// wireFloat always encodes with a fractional part or exponent so it decodes
// back as a float rather than an integer.
type wireFloat float64

func (f wireFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("unsupported float value %v", v)
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

func toWire(v any) (any, error) {
	switch val := v.(type) {
	case float64:
		return wireFloat(val), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			we, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = we
		}
		return out, nil
	case Payload:
		return toWire(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			we, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = we
		}
		return out, nil
	}
	return v, nil
}

func fromWire(v any) any {
	switch val := v.(type) {
	case json.Number:
		s := val.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := val.Int64(); err == nil {
				return i
			}
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = fromWire(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = fromWire(e)
		}
		return out
	}
	return v
}
