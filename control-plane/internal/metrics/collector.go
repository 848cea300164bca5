// Package metrics samples the control plane's own resource usage and stops
// the active workload when configured limits are exceeded.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
)

// Sample is one measurement of the controller process.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"` // healthy, degraded
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryRSS     uint64    `json:"memory_rss_bytes"`
	MemoryHuman   string    `json:"memory_rss"`
	Goroutines    int       `json:"goroutines"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Sampler produces a Sample.
type Sampler func(ctx context.Context) (Sample, error)

// ProcessSampler samples the current process with gopsutil.
func ProcessSampler() Sampler {
	started := time.Now()
	var (
		once    sync.Once
		proc    *process.Process
		procErr error
	)
	return func(ctx context.Context) (Sample, error) {
		once.Do(func() {
			proc, procErr = process.NewProcessWithContext(ctx, int32(os.Getpid()))
		})
		if procErr != nil {
			return Sample{}, fmt.Errorf("opening process: %w", procErr)
		}

		s := Sample{
			Timestamp:     time.Now(),
			Goroutines:    runtime.NumGoroutine(),
			UptimeSeconds: int64(time.Since(started).Seconds()),
		}
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			s.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			s.MemoryRSS = mem.RSS
			s.MemoryHuman = formatBytes(mem.RSS)
		}
		if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
			s.MemoryPercent = float64(pct)
		}
		return s, nil
	}
}

// Stopper is told to stop the active workload.
type Stopper interface {
	StopWorkload(reason string) bool
}

// GuardConfig holds resource limits. A zero limit is not enforced.
type GuardConfig struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	Interval         time.Duration
	BreachSamples    int           // consecutive samples over a limit before stopping
	CacheTTL         time.Duration // how long Health may reuse a sample
	Sampler          Sampler
	Logger           *slog.Logger
}

// Guard watches resource usage and requests a stop on sustained breach.
type Guard struct {
	cfg     GuardConfig
	stopper Stopper
	logger  *slog.Logger

	mu       sync.Mutex
	breaches int
	last     *Sample
	expiry   time.Time
}

// NewGuard creates a guard that calls stopper on sustained breach.
func NewGuard(cfg GuardConfig, stopper Stopper) *Guard {
	if cfg.Interval <= 0 {
		cfg.Interval = config.ResourceSampleInterval
	}
	if cfg.BreachSamples <= 0 {
		cfg.BreachSamples = config.ResourceBreachSamples
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cfg.Interval
	}
	if cfg.Sampler == nil {
		cfg.Sampler = ProcessSampler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		cfg:     cfg,
		stopper: stopper,
		logger:  cfg.Logger.With("component", "resource_guard"),
	}
}

// Enabled reports whether any limit is configured.
func (g *Guard) Enabled() bool {
	return g.cfg.MaxCPUPercent > 0 || g.cfg.MaxMemoryPercent > 0
}

// Run samples every interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	g.logger.Info("resource guard started",
		"interval", g.cfg.Interval,
		"max_cpu_percent", g.cfg.MaxCPUPercent,
		"max_memory_percent", g.cfg.MaxMemoryPercent,
		"breach_samples", g.cfg.BreachSamples,
	)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check takes one sample and returns it. After BreachSamples consecutive
// samples over a limit it asks the stopper to stop the active workload.
func (g *Guard) Check(ctx context.Context) (Sample, error) {
	s, err := g.sample(ctx)
	if err != nil {
		g.logger.Warn("resource sample failed", "error", err)
		return Sample{}, err
	}

	reason := g.breach(s)

	g.mu.Lock()
	if reason == "" {
		g.breaches = 0
		g.mu.Unlock()
		return s, nil
	}
	g.breaches++
	trip := g.breaches >= g.cfg.BreachSamples
	if trip {
		g.breaches = 0
	}
	g.mu.Unlock()

	if !trip {
		g.logger.Debug("resource limit exceeded", "reason", reason)
		return s, nil
	}
	stopped := g.stopper != nil && g.stopper.StopWorkload(reason)
	g.logger.Warn("resource limit exceeded, stopping workload",
		"reason", reason,
		"cpu_percent", s.CPUPercent,
		"memory_percent", s.MemoryPercent,
		"run_stopped", stopped,
	)
	return s, nil
}

func (g *Guard) breach(s Sample) string {
	switch {
	case g.cfg.MaxCPUPercent > 0 && s.CPUPercent > g.cfg.MaxCPUPercent:
		return fmt.Sprintf("cpu %.1f%% over limit %.1f%%", s.CPUPercent, g.cfg.MaxCPUPercent)
	case g.cfg.MaxMemoryPercent > 0 && s.MemoryPercent > g.cfg.MaxMemoryPercent:
		return fmt.Sprintf("memory %.1f%% over limit %.1f%%", s.MemoryPercent, g.cfg.MaxMemoryPercent)
	}
	return ""
}

// Health returns a recent sample, reusing the cached one within CacheTTL.
func (g *Guard) Health(ctx context.Context) (Sample, error) {
	g.mu.Lock()
	if g.last != nil && time.Now().Before(g.expiry) {
		s := *g.last
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()
	return g.sample(ctx)
}

func (g *Guard) sample(ctx context.Context) (Sample, error) {
	s, err := g.cfg.Sampler(ctx)
	if err != nil {
		return Sample{}, err
	}
	s.Status = "healthy"
	if g.breach(s) != "" {
		s.Status = "degraded"
	}

	g.mu.Lock()
	g.last = &s
	g.expiry = time.Now().Add(g.cfg.CacheTTL)
	g.mu.Unlock()
	return s, nil
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
