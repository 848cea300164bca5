package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

var secret = []byte("test-secret")

// pipeClient returns a client whose Dial hands out one end of a pipe and the
// controller side as a framed conn.
func pipeClient(t *testing.T) (*Client, <-chan *protocol.Conn) {
	t.Helper()
	serverSide := make(chan *protocol.Conn, 1)
	c := NewClient(Config{
		Address: "controller:9999",
		Secret:  secret,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			a, b := net.Pipe()
			serverSide <- protocol.NewConn(b, protocol.NewCodec(secret), time.Second)
			return a, nil
		},
	})
	return c, serverSide
}

func TestRegister_Accepted(t *testing.T) {
	c, serverSide := pipeClient(t)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	srv := <-serverSide
	go func() {
		m, err := srv.Receive()
		if err != nil || m.Type != protocol.TypeRegister {
			return
		}
		// Noise before the ack is ignored.
		_ = srv.Send(protocol.NewStatusRequest())
		_ = srv.Send(protocol.NewRegisterAck(true, "agent-42", "", 2*time.Second))
	}()

	resp, err := Register(conn, protocol.NewRegister("", "edge", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", resp.AgentID)
	assert.Equal(t, 2*time.Second, resp.HeartbeatInterval)
}

func TestRegister_Rejected(t *testing.T) {
	c, serverSide := pipeClient(t)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	srv := <-serverSide
	go func() {
		_, _ = srv.Receive()
		_ = srv.Send(protocol.NewRegisterAck(false, "", "fleet full", 0))
	}()

	_, err = Register(conn, protocol.NewRegister("", "edge", nil), time.Second)
	assert.ErrorIs(t, err, types.ErrRegistrationRejected)
	var rej *types.RegistrationRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "fleet full", rej.Reason)
}

func TestRegister_Timeout(t *testing.T) {
	c, serverSide := pipeClient(t)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	srv := <-serverSide
	go func() { _, _ = srv.Receive() }()

	start := time.Now()
	_, err = Register(conn, protocol.NewRegister("", "edge", nil), 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDial_Failure(t *testing.T) {
	c := NewClient(Config{
		Address: "controller:9999",
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	_, err := c.Dial(context.Background())
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, "controller:9999", c.Address())
}

func TestDial_Loopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := NewClient(Config{Address: ln.Addr().String()})
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), conn.RemoteAddr())
	conn.Close()
}

func TestTLSConfig(t *testing.T) {
	cfg, err := TLSConfig("", "ctl.internal", false)
	require.NoError(t, err)
	assert.Equal(t, "ctl.internal", cfg.ServerName)
	assert.Nil(t, cfg.RootCAs)

	_, err = TLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "", false)
	assert.Error(t, err)

	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a cert"), 0o600))
	_, err = TLSConfig(bogus, "", false)
	assert.Error(t, err)
}
