package protocol

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Conn carries framed messages over a stream connection. Send may be called
// from several goroutines; Receive must only be called from one.
type Conn struct {
	conn         net.Conn
	codec        *Codec
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. A zero writeTimeout disables write deadlines.
func NewConn(conn net.Conn, codec *Codec, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, codec: codec, writeTimeout: writeTimeout}
}

// Send encodes and writes m as a single frame.
func (c *Conn) Send(m Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.conn, frame)
}

// Receive blocks for the next frame. Protocol errors leave the stream usable;
// any other error means the connection is gone.
func (c *Conn) Receive() (Message, error) {
	return c.codec.ReadMessage(c.conn)
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err means the peer or this side closed the stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// IsProtocolError reports whether err is a malformed or unauthenticated
// frame, after which the stream is still usable.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
