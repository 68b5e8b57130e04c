package fault

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryPolicy retries an operation with exponentially growing delays.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     float64
}

// Do runs fn up to MaxAttempts times, waiting Delay×Backoff^(attempt-1)
// between attempts. Nothing sleeps after the final failure; the last
// error is returned as-is. Cancelling the context aborts the wait. A
// nil clock falls back to the wall clock.
func (p RetryPolicy) Do(ctx context.Context, clk clock.Clock, fn func() error) error {
	if clk == nil {
		clk = clock.New()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 1.0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(float64(p.Delay) * math.Pow(backoff, float64(attempt-1)))
		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
