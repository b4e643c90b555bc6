package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy describes exponential back-off: the delay before retry n
// (0-based) is BaseDelay * Multiplier^n, capped at MaxDelay when set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns the wait before retry number n.
func (p RetryPolicy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns an error retryable rejects, or
// MaxAttempts is reached. Waiting between attempts honours ctx.
func (p RetryPolicy) Do(ctx context.Context, operationName string, logger *Logger,
	retryable func(error) bool, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt - 1)
		if logger != nil {
			logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
				operationName, attempt, attempts, lastErr, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
