// Package timesync estimates the clock offset between this node and a
// reference clock so that "start at T" instructions line up across machines.
//
// An estimate comes from a four-timestamp exchange:
//
//	t0  request leaves this node       (local clock)
//	t1  reference receives the request (reference clock)
//	t2  reference sends the reply      (reference clock)
//	t3  reply arrives at this node     (local clock)
//
//	offset     = ((t1-t0) + (t2-t3)) / 2
//	round trip = (t3-t0) - (t2-t1)
//
// The synchronizer keeps a small window of recent samples and reports the
// median offset, discarding samples whose round trip exceeds MaxRoundTrip.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrSyncUnavailable means no usable estimate could be obtained. Callers fall
// back to the uncorrected local clock.
var ErrSyncUnavailable = errors.New("time sync unavailable")

const (
	DefaultTimeout      = 3 * time.Second
	DefaultWindow       = 8
	DefaultMaxRoundTrip = 2 * time.Second
)

// Sample is one completed exchange with the reference.
type Sample struct {
	T0 time.Time // local send
	T1 time.Time // reference receive
	T2 time.Time // reference reply
	T3 time.Time // local receive
}

// Offset is how far the reference clock is ahead of the local clock.
func (s Sample) Offset() time.Duration {
	return (s.T1.Sub(s.T0) + s.T2.Sub(s.T3)) / 2
}

// RoundTrip is the network delay, excluding time spent at the reference.
func (s Sample) RoundTrip() time.Duration {
	return s.T3.Sub(s.T0) - s.T2.Sub(s.T1)
}

// Reference performs a single exchange. Implementations must honor ctx.
type Reference interface {
	Exchange(ctx context.Context) (Sample, error)
}

// ReferenceFunc adapts a function to Reference.
type ReferenceFunc func(ctx context.Context) (Sample, error)

func (f ReferenceFunc) Exchange(ctx context.Context) (Sample, error) { return f(ctx) }

// Config configures a Synchronizer. Zero values take the defaults.
type Config struct {
	Timeout      time.Duration
	Window       int
	MaxRoundTrip time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Synchronizer holds the current offset estimate. Safe for concurrent use.
type Synchronizer struct {
	timeout      time.Duration
	window       int
	maxRoundTrip time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	mu       sync.RWMutex
	samples  []Sample
	offset   time.Duration
	rtt      time.Duration
	valid    bool
	lastSync time.Time
}

// New creates a Synchronizer with no estimate.
func New(cfg Config) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRoundTrip <= 0 {
		cfg.MaxRoundTrip = DefaultMaxRoundTrip
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synchronizer{
		timeout:      cfg.Timeout,
		window:       cfg.Window,
		maxRoundTrip: cfg.MaxRoundTrip,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "timesync"),
	}
}

// Estimate runs one exchange against ref, bounded by the configured timeout,
// and folds the result into the estimate. Any failure, including a timeout,
// is reported as ErrSyncUnavailable and leaves the previous estimate intact.
func (s *Synchronizer) Estimate(ctx context.Context, ref Reference) (offset, roundTrip time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		sample Sample
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sample, err := ref.Exchange(ctx)
		done <- result{sample, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return 0, 0, fmt.Errorf("%w: %v", ErrSyncUnavailable, ctx.Err())
	}
	if r.err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrSyncUnavailable, r.err)
	}
	if !s.Observe(r.sample) {
		return 0, 0, fmt.Errorf("%w: round trip %v exceeds %v", ErrSyncUnavailable, r.sample.RoundTrip(), s.maxRoundTrip)
	}
	offset, roundTrip, _ = s.Offset()
	return offset, roundTrip, nil
}

// Observe folds a sample obtained elsewhere (for example from a heartbeat
// acknowledgement) into the estimate. It reports whether the sample was used.
func (s *Synchronizer) Observe(sample Sample) bool {
	rtt := sample.RoundTrip()
	if rtt < 0 || rtt > s.maxRoundTrip {
		s.logger.Debug("discarding time sample", "round_trip", rtt)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}

	offsets := make([]time.Duration, len(s.samples))
	rtts := make([]time.Duration, len(s.samples))
	for i, smp := range s.samples {
		offsets[i] = smp.Offset()
		rtts[i] = smp.RoundTrip()
	}
	slices.Sort(offsets)
	slices.Sort(rtts)
	s.offset = offsets[len(offsets)/2]
	s.rtt = rtts[len(rtts)/2]
	s.valid = true
	s.lastSync = s.clock()
	return true
}

// Offset returns the current estimate. ok is false until a sample has been
// accepted.
func (s *Synchronizer) Offset() (offset, roundTrip time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, s.rtt, s.valid
}

// LastSync returns when the estimate was last refreshed.
func (s *Synchronizer) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Now returns the local time corrected towards the reference clock. Without
// an estimate it is the local clock.
func (s *Synchronizer) Now() time.Time {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return s.clock().Add(offset)
}

// ToLocal converts a reference-clock instant into the local clock.
func (s *Synchronizer) ToLocal(ref time.Time) time.Time {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return ref.Add(-offset)
}

// Reset drops all samples.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.offset, s.rtt = 0, 0
	s.valid = false
}

// Run refreshes the estimate every interval until ctx is cancelled.
// Failures are logged and the previous estimate is kept.
func (s *Synchronizer) Run(ctx context.Context, ref Reference, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := s.Estimate(ctx, ref); err != nil {
			s.logger.Debug("time sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
