// Package workload - TCP connect probe.
//
// # Behavior
//
// Each operation opens a TCP connection to target:port, records the connect
// latency and closes it. Operations are paced by the agent's limiter, so the
// fleet-wide connection rate follows the coordinator's rate share.
//
// # Metrics
//
//	probes_total           counter
//	probe_failures_total   counter
//	probe_latency_ms       gauge, most recent successful connect
//	probe_latency_avg_ms   gauge, mean over the run
package workload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// errRunEnded marks a connect cut short by the run's own deadline.
var errRunEnded = errors.New("run deadline reached")

// TCPProbeWorkload measures TCP connect latency to the target.
type TCPProbeWorkload struct {
	// DialTimeout bounds a single connect. Default: 2s
	DialTimeout time.Duration

	// ReportInterval is how often metrics are reported. Default: 1s
	ReportInterval time.Duration

	// DefaultRate is used when the agent has no rate share. Default: 10/s
	DefaultRate int

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProbeWorkload creates a TCP probe with sensible defaults.
func NewTCPProbeWorkload() *TCPProbeWorkload {
	d := &net.Dialer{}
	return &TCPProbeWorkload{
		DialTimeout:    2 * time.Second,
		ReportInterval: time.Second,
		DefaultRate:    10,
		dial:           d.DialContext,
	}
}

func (w *TCPProbeWorkload) Protocol() string           { return "tcp" }
func (w *TCPProbeWorkload) Capabilities() Capabilities { return Capabilities{} }

// TCPProbeStats accumulates probe outcomes for one run.
type TCPProbeStats struct {
	Probes       int
	Failures     int
	LastLatency  time.Duration
	TotalLatency time.Duration
}

// Metrics renders the stats as reportable metrics.
func (s TCPProbeStats) Metrics() map[string]float64 {
	m := map[string]float64{
		"probes_total":         float64(s.Probes),
		"probe_failures_total": float64(s.Failures),
		"probe_latency_ms":     float64(s.LastLatency.Microseconds()) / 1000,
	}
	if ok := s.Probes - s.Failures; ok > 0 {
		m["probe_latency_avg_ms"] = float64(s.TotalLatency.Microseconds()) / 1000 / float64(ok)
	}
	return m
}

func (w *TCPProbeWorkload) Run(ctx context.Context, cfg types.WorkloadConfig, r Reporter) error {
	if cfg.Port == 0 {
		return fmt.Errorf("tcp probe requires a port")
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	limiter := r.Limiter()
	if limiter.Limit() == rate.Inf {
		limiter = NewLimiter(w.DefaultRate)
	}
	ticker := time.NewTicker(w.ReportInterval)
	defer ticker.Stop()

	var stats TCPProbeStats
	defer func() { r.Report(stats.Metrics()) }()

	address := cfg.HostPort()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report(stats.Metrics())
		default:
		}

		if r.Paused() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		latency, err := w.probe(ctx, address)
		stats.Probes++
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errRunEnded) {
				stats.Probes--
				return nil
			}
			stats.Failures++
			continue
		}
		stats.LastLatency = latency
		stats.TotalLatency += latency
	}
}

func (w *TCPProbeWorkload) probe(ctx context.Context, address string) (time.Duration, error) {
	runDeadline, bounded := ctx.Deadline()
	ctx, cancel := context.WithTimeout(ctx, w.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := w.dial(ctx, "tcp", address)
	if err != nil {
		// The socket deadline can fire before the run context reports done.
		dialDeadline, _ := ctx.Deadline()
		if bounded && !runDeadline.After(dialDeadline) && isTimeout(err) {
			return 0, fmt.Errorf("%w: %w", errRunEnded, err)
		}
		return 0, err
	}
	latency := time.Since(start)
	conn.Close()
	return latency, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
