// Package retry provides the bounded retry policy used for connecting and
// reconnecting to the controller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff returns the wait before the given retry (1-based: the wait after
// the first failed attempt is Backoff(1)).
type Backoff func(attempt int) time.Duration

// Constant waits the same interval between every attempt.
func Constant(interval time.Duration) Backoff {
	return func(int) time.Duration { return interval }
}

// Exponential doubles the interval after each failed attempt, capped at max.
// A non-positive max leaves the growth uncapped.
func Exponential(interval, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := interval
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Policy retries a function up to MaxAttempts times.
type Policy struct {
	// MaxAttempts bounds the number of attempts. Zero retries until ctx ends.
	MaxAttempts int
	Backoff     Backoff

	// Sleep waits between attempts. Defaults to a context-aware timer; tests
	// inject their own to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ErrExhausted is wrapped by the error Do returns when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is cancelled. fn receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = Constant(time.Second)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		wait := backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
