// Package policy is the default target safety gate consulted before a
// workload is dispatched.
//
// Hostnames are matched by name only and never resolved, so the gate cannot
// be steered by DNS answers. An empty allowlist admits any target.
package policy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
)

// Policy checks targets against allowlists and limits.
type Policy struct {
	networks    []*net.IPNet
	hosts       map[string]bool
	domains     []string // ".example.net" suffixes from "*.example.net" entries
	protocols   map[string]bool
	maxDuration time.Duration
}

// New builds a policy. Allowed networks may be CIDRs, single IPs, hostnames
// or "*.domain" wildcards.
func New(cfg config.PolicyConfig) (*Policy, error) {
	p := &Policy{
		hosts:       make(map[string]bool),
		protocols:   make(map[string]bool),
		maxDuration: cfg.MaxDuration,
	}

	for _, entry := range cfg.AllowedNetworks {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case strings.Contains(entry, "/"):
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed network %q: %w", entry, err)
			}
			p.networks = append(p.networks, ipnet)
		case net.ParseIP(entry) != nil:
			ip := net.ParseIP(entry)
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			p.networks = append(p.networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		case strings.HasPrefix(entry, "*."):
			p.domains = append(p.domains, entry[1:])
		default:
			if !validHostname(entry) {
				return nil, fmt.Errorf("invalid allowed host %q", entry)
			}
			p.hosts[entry] = true
		}
	}

	for _, proto := range cfg.AllowedProtocols {
		p.protocols[strings.ToLower(proto)] = true
	}
	return p, nil
}

// Validate reports whether a workload against target may run, and why not.
func (p *Policy) Validate(target string, port int, protocol string, duration time.Duration) (bool, string) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return false, "target is empty"
	}
	if port < 0 || port > 65535 {
		return false, fmt.Sprintf("port %d out of range", port)
	}
	if duration <= 0 {
		return false, "duration must be positive"
	}
	if p.maxDuration > 0 && duration > p.maxDuration {
		return false, fmt.Sprintf("duration %v exceeds maximum %v", duration, p.maxDuration)
	}
	if len(p.protocols) > 0 && !p.protocols[strings.ToLower(protocol)] {
		return false, fmt.Sprintf("protocol %q not allowed", protocol)
	}

	if ip := net.ParseIP(target); ip != nil {
		return p.checkIP(ip)
	}
	if !validHostname(target) {
		return false, "target is neither an IP address nor a valid hostname"
	}
	return p.checkHost(target)
}

func (p *Policy) checkIP(ip net.IP) (bool, string) {
	if ip.IsUnspecified() || ip.IsMulticast() || ip.Equal(net.IPv4bcast) {
		return false, "unspecified, multicast and broadcast addresses are never allowed"
	}
	if !p.restricted() {
		return true, ""
	}
	for _, n := range p.networks {
		if n.Contains(ip) {
			return true, ""
		}
	}
	return false, "address is outside the allowed networks"
}

func (p *Policy) checkHost(host string) (bool, string) {
	if !p.restricted() || p.hosts[host] {
		return true, ""
	}
	for _, suffix := range p.domains {
		if strings.HasSuffix(host, suffix) {
			return true, ""
		}
	}
	return false, "host is not in the allowed list"
}

func (p *Policy) restricted() bool {
	return len(p.networks) > 0 || len(p.hosts) > 0 || len(p.domains) > 0
}

func validHostname(h string) bool {
	h = strings.TrimSuffix(h, ".")
	if len(h) == 0 || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
