package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
)

func TestNew_RejectsBadEntries(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/33", "bad_host!", "-leading.example"} {
		_, err := New(config.PolicyConfig{AllowedNetworks: []string{entry}})
		assert.Error(t, err, entry)
	}
}

func TestValidate(t *testing.T) {
	p, err := New(config.PolicyConfig{
		AllowedNetworks:  []string{"10.0.0.0/8", "192.0.2.7", "lab.example.net", "*.staging.example.net"},
		AllowedProtocols: []string{"tcp", "noop"},
		MaxDuration:      10 * time.Minute,
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		target   string
		port     int
		protocol string
		duration time.Duration
		ok       bool
	}{
		{"ip in cidr", "10.1.2.3", 80, "tcp", time.Minute, true},
		{"single ip", "192.0.2.7", 443, "tcp", time.Minute, true},
		{"ip outside", "192.0.2.8", 443, "tcp", time.Minute, false},
		{"exact host", "LAB.example.net", 80, "TCP", time.Minute, true},
		{"wildcard host", "web1.staging.example.net", 80, "noop", time.Minute, true},
		{"wildcard does not match apex", "staging.example.net", 80, "tcp", time.Minute, false},
		{"unknown host", "example.com", 80, "tcp", time.Minute, false},
		{"invalid host", "exa mple.com", 80, "tcp", time.Minute, false},
		{"empty target", "", 80, "tcp", time.Minute, false},
		{"multicast", "224.0.0.1", 80, "tcp", time.Minute, false},
		{"protocol not allowed", "10.0.0.1", 80, "udp", time.Minute, false},
		{"too long", "10.0.0.1", 80, "tcp", time.Hour, false},
		{"zero duration", "10.0.0.1", 80, "tcp", 0, false},
		{"bad port", "10.0.0.1", 70000, "tcp", time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := p.Validate(tt.target, tt.port, tt.protocol, tt.duration)
			assert.Equal(t, tt.ok, ok, reason)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestValidate_OpenPolicy(t *testing.T) {
	p, err := New(config.PolicyConfig{})
	require.NoError(t, err)

	ok, _ := p.Validate("203.0.113.9", 0, "anything", time.Hour)
	assert.True(t, ok)
	ok, _ = p.Validate("any.example.org", 0, "anything", time.Hour)
	assert.True(t, ok)
	ok, _ = p.Validate("0.0.0.0", 0, "anything", time.Hour)
	assert.False(t, ok)
}
