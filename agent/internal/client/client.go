// Package client opens the agent's framed connection to the controller.
//
// # Operations
//
// - Dial: Open a TCP (optionally TLS) connection
// - Register: Send REGISTER and await REGISTER_ACK
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pilot-net/fleetsync/pkg/protocol"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// DialFunc opens a raw connection. Tests substitute in-process pipes.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config for the client.
type Config struct {
	Address        string
	Secret         []byte
	TLS            *tls.Config // nil for plain TCP
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Dial           DialFunc
}

// Client opens connections to the controller.
type Client struct {
	address        string
	codec          *protocol.Codec
	tls            *tls.Config
	connectTimeout time.Duration
	writeTimeout   time.Duration
	dial           DialFunc
}

// NewClient creates a new controller client.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
	return &Client{
		address:        cfg.Address,
		codec:          protocol.NewCodec(cfg.Secret),
		tls:            cfg.TLS,
		connectTimeout: cfg.ConnectTimeout,
		writeTimeout:   cfg.WriteTimeout,
		dial:           cfg.Dial,
	}
}

// Address returns the controller address.
func (c *Client) Address() string {
	return c.address
}

// Dial opens a framed connection. Failures match types.ErrConnection.
func (c *Client) Dial(ctx context.Context) (*protocol.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	raw, err := c.dial(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", types.ErrConnection, c.address, err)
	}

	if c.tls != nil {
		tlsConn := tls.Client(raw, c.tls)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w: tls handshake with %s: %v", types.ErrConnection, c.address, err)
		}
		raw = tlsConn
	}

	return protocol.NewConn(raw, c.codec, c.writeTimeout), nil
}

// RegisterResponse is the controller's answer to REGISTER.
type RegisterResponse struct {
	AgentID           string
	HeartbeatInterval time.Duration
}

// Register sends REGISTER on conn and waits up to timeout for REGISTER_ACK.
// Frames that fail to decode while waiting are skipped. A rejection is
// returned as *types.RegistrationRejectedError.
func Register(conn *protocol.Conn, req protocol.Message, timeout time.Duration) (*RegisterResponse, error) {
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("%w: sending register: %v", types.ErrConnection, err)
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConnection, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		m, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				continue
			}
			return nil, fmt.Errorf("%w: awaiting register ack: %v", types.ErrConnection, err)
		}
		if m.Type != protocol.TypeRegisterAck {
			continue
		}
		if !m.Bool(protocol.KeyAccepted) {
			reason := m.String(protocol.KeyReason)
			if reason == "" {
				reason = "no reason given"
			}
			return nil, &types.RegistrationRejectedError{Reason: reason}
		}
		return &RegisterResponse{
			AgentID:           m.String(protocol.KeyAgentID),
			HeartbeatInterval: protocol.HeartbeatInterval(m),
		}, nil
	}
}

// TLSConfig builds a client TLS config from a CA bundle path.
func TLSConfig(caFile, serverName string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
