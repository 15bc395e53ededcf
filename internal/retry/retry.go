// Package retry runs an operation again after failures the caller deems retryable.
package retry

import (
	"context"
	"log"
	"time"
)

type Policy struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	// Backoff returns the wait before retry number attempt (0-based).
	// Defaults to Exponential.
	Backoff func(base time.Duration, attempt int) time.Duration
	// Retryable decides whether err deserves another attempt. nil means never.
	Retryable func(err error) bool

	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential waits base × 2^attempt.
func Exponential(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// Fixed waits base every time.
func Fixed(base time.Duration, _ int) time.Duration {
	return base
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// retries or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential
	}
	wait := p.Sleep
	if wait == nil {
		wait = sleep
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
			return err
		}

		delay := backoff(p.BaseDelay, attempt)
		log.Printf("[RETRY] Attempt %d failed (%v), retrying in %s", attempt+1, err, delay)
		if serr := wait(ctx, delay); serr != nil {
			return err
		}
	}
}
