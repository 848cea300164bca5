// Package workload defines the plugin interface for units of work an agent
// runs on the controller's command.
//
// # Design Principles
//
//  1. Opaque Work: The agent never looks inside a workload; it only starts,
//     cancels and collects metrics from it
//  2. Cooperative Control: Workloads honor ctx cancellation promptly and
//     check Reporter.Paused themselves
//  3. Capability Declaration: Workloads declare their dependencies, checked
//     at registration rather than at start
//
// # Adding New Workloads
//
//	type SoakWorkload struct{ /* ... */ }
//	func (w *SoakWorkload) Protocol() string { return "soak" }
//	func (w *SoakWorkload) Run(ctx, cfg, reporter) error { /* ... */ }
//
//	// In agent startup:
//	registry.Register(&SoakWorkload{})
package workload

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// Workload is the interface every unit of work implements.
type Workload interface {
	// Protocol returns the identifier START commands select this workload by.
	Protocol() string

	// Capabilities returns what this workload needs.
	Capabilities() Capabilities

	// Run executes until the configured duration elapses, ctx is cancelled,
	// or the work fails. Returning ctx.Err() after cancellation is not a
	// failure.
	Run(ctx context.Context, cfg types.WorkloadConfig, reporter Reporter) error
}

// Reporter is the agent side a running workload talks to.
type Reporter interface {
	// Report merges metrics into the agent's local stats. Later values for
	// the same name replace earlier ones.
	Report(metrics map[string]float64)

	// Paused reports whether the controller asked the workload to pause.
	Paused() bool

	// Limiter paces the workload at the agent's current rate share. The
	// agent re-targets it when the fleet is rebalanced.
	Limiter() *rate.Limiter
}

// Capabilities describes a workload's requirements.
type Capabilities struct {
	// RequiresRoot indicates the workload needs elevated privileges
	RequiresRoot bool

	// Dependencies lists external binaries required
	Dependencies []string
}

// Func adapts a plain function to Workload.
type Func struct {
	Name string
	Fn   func(ctx context.Context, cfg types.WorkloadConfig, reporter Reporter) error
}

func (f Func) Protocol() string           { return f.Name }
func (f Func) Capabilities() Capabilities { return Capabilities{} }
func (f Func) Run(ctx context.Context, cfg types.WorkloadConfig, r Reporter) error {
	return f.Fn(ctx, cfg, r)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available workloads.
type Registry struct {
	workloads map[string]Workload
	fallback  string
	mu        sync.RWMutex
}

// NewRegistry creates an empty workload registry.
func NewRegistry() *Registry {
	return &Registry{
		workloads: make(map[string]Workload),
	}
}

// Register adds a workload to the registry. The first workload registered
// becomes the default.
// Returns an error if dependencies are missing or the protocol is taken.
func (r *Registry) Register(w Workload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto := w.Protocol()
	if _, exists := r.workloads[proto]; exists {
		return fmt.Errorf("workload already registered: %s", proto)
	}

	caps := w.Capabilities()
	for _, dep := range caps.Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("workload %s missing dependency: %s", proto, dep)
		}
	}

	r.workloads[proto] = w
	if r.fallback == "" {
		r.fallback = proto
	}
	return nil
}

// SetDefault selects the workload used when a START names no protocol or an
// unknown one.
func (r *Registry) SetDefault(proto string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workloads[proto]; !ok {
		return fmt.Errorf("unknown workload: %s", proto)
	}
	r.fallback = proto
	return nil
}

// Get returns a workload by protocol.
func (r *Registry) Get(proto string) (Workload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workloads[proto]
	return w, ok
}

// Select returns the workload for proto, falling back to the default.
func (r *Registry) Select(proto string) (Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workloads[proto]; ok {
		return w, nil
	}
	if w, ok := r.workloads[r.fallback]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("no workload registered for protocol %q", proto)
}

// List returns all registered protocols in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	protos := make([]string, 0, len(r.workloads))
	for p := range r.workloads {
		protos = append(protos, p)
	}
	sort.Strings(protos)
	return protos
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// NewLimiter returns a limiter for opsPerSecond. Zero or less is unlimited.
func NewLimiter(opsPerSecond int) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, 1)
	SetRate(l, opsPerSecond)
	return l
}

// SetRate re-targets l to opsPerSecond without disturbing waiters.
func SetRate(l *rate.Limiter, opsPerSecond int) {
	if opsPerSecond <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	l.SetLimit(rate.Limit(opsPerSecond))
	l.SetBurst(max(1, opsPerSecond/10))
}
