package workload

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// NoopWorkload performs no external work. It takes one token from the
// limiter per operation and reports how many it completed, which makes it
// useful for exercising coordination without touching a network.
type NoopWorkload struct {
	// ReportInterval is how often metrics are reported. Default: 1s
	ReportInterval time.Duration
}

// NewNoopWorkload creates a noop workload with sensible defaults.
func NewNoopWorkload() *NoopWorkload {
	return &NoopWorkload{ReportInterval: time.Second}
}

func (w *NoopWorkload) Protocol() string           { return "noop" }
func (w *NoopWorkload) Capabilities() Capabilities { return Capabilities{} }

func (w *NoopWorkload) Run(ctx context.Context, cfg types.WorkloadConfig, r Reporter) error {
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	interval := w.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ops, pausedTicks float64
	report := func() {
		r.Report(map[string]float64{
			"operations_total":   ops,
			"paused_ticks_total": pausedTicks,
		})
	}
	defer report()

	limiter := r.Limiter()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report()
		default:
		}

		if r.Paused() {
			pausedTicks++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if limiter.Limit() == rate.Inf {
			// Unlimited still yields so the loop does not spin.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		} else if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		ops++
	}
}
