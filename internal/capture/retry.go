package capture

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig tunes WithRetry.
type RetryConfig struct {
	MaxAttempts       int
	Delay             time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Backoff computes the requeue delay for a job on its next retry:
// min(1000ms * 2^retryCount, 30s), strictly non-decreasing.
func Backoff(retryCount int) time.Duration {
	const (
		base    = time.Second
		ceiling = 30 * time.Second
	)
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// WithRetry runs fn up to cfg.MaxAttempts times, sleeping between attempts
// with exponential backoff capped at cfg.MaxDelay. Non-retryable
// classifications and context cancellation stop the loop early.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = maxJobAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr).Retryable() || attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry wait canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
