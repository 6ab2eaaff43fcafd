// Package retry provides bounded in-process retries with exponential
// backoff, for transient failures cheap enough to re-attempt without going
// back through the queue.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts includes the first attempt. Values below 1 mean one attempt.
	MaxAttempts int
	// BaseDelay is the backoff base: the wait before attempt n+1 is
	// BaseDelay * 2^(n-1), capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
	// OnRetry, when set, is called after each failed attempt that will be
	// retried, with the 1-based attempt number and its error.
	OnRetry func(attempt int, err error)
}

// DefaultConfig retries three times with a one second base, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before the attempt after the given one.
// Attempt numbers start at 1.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay * (1 << (attempt - 1))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, attempts run out, or the context ends.
// The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
