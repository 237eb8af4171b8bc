package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig bounds the transient-failure retry loop. The nth retry
// waits at least BaseDelay * Multiplier^(n-1); a rate-limit response
// doubles the delay once before the multiplier applies to the next
// attempt.
type RetryConfig struct {
	// Attempts is the total attempt count including the first call.
	// Defaults to 4.
	Attempts int
	// BaseDelay is the wait before the first retry. Defaults to 1s.
	BaseDelay time.Duration
	// Multiplier scales the delay after each retry. Defaults to 2.
	Multiplier float64

	Sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// retry runs fn until it succeeds, fails permanently, or the attempt
// budget runs out. Only AggregatorError values marked transient are
// retried.
func retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var aggErr *AggregatorError
		if !errors.As(err, &aggErr) || !aggErr.Transient {
			return err
		}
		lastErr = err
		if attempt == cfg.Attempts {
			break
		}

		if aggErr.RateLimited() {
			delay *= 2
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("swap: retry interrupted: %w", err)
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
