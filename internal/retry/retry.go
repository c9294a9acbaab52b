// Package retry provides a small configurable backoff policy for calls to
// external collaborators (embedding API, search index, document store).
// A Policy is injected into each call site that needs resilience so that
// tests can run with zero delays and production can tune attempts centrally.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	// Values below 1 are treated as 1 (constant delay).
	Multiplier float64

	// MaxDelay caps the per-attempt delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the schedule used for index writes: five attempts
// with 1s base delay doubling up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. The last error is returned wrapped with the attempt count so
// callers can tell a retry-exhausted failure from a first-shot one.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: cancelled before attempt %d: %w", attempt, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		wait := delay
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * mult)
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, lastErr)
}
