package tagscepter

import (
	"context"
	"time"
)

// RetryConfig provides configurations for retried operations, such as the amount of attempts or the backoff duration
type RetryConfig struct {
	Retries int // How many times an operation is attempted until it is considered to have failed

	Backoff time.Duration // How long to wait after the first failed attempt

	BackoffMultiplier float64       // By how much to multiply the backoff on each failed attempt
	MaxBackoff        time.Duration // The maximum duration the backoff may reach. When the backoff has reached this value, it won't increase any further
}

// nextBackoff returns the backoff to use after the passed one
func (c RetryConfig) nextBackoff(backoff time.Duration) time.Duration {
	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff = time.Duration(float64(backoff) * multiplier)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// retry calls fn until it succeeds, the configured amount of attempts is used up or ctx is done.
// It returns the error of the last attempt and the number of attempts made.
func retry(ctx context.Context, config RetryConfig, fn func(attempt int) error) (int, error) {
	attempts := config.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastError error
	backoffDuration := config.Backoff
	for i := 0; i < attempts; i++ {
		if lastError = fn(i + 1); lastError == nil {
			return i + 1, nil
		}

		// Manage backoff
		if i != attempts-1 {
			timer := time.NewTimer(backoffDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return i + 1, ctx.Err()
			case <-timer.C:
			}
			backoffDuration = config.nextBackoff(backoffDuration)
		}
	}

	return attempts, lastError
}
