package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/velora/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// BackoffFunc returns the wait before retry attempt n (1-based).
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff waits base, 2*base, 3*base, ...
func LinearBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// RetryConfig defines the configuration for retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// Backoff yields the wait between attempts.
	Backoff BackoffFunc
	// RetryableChecker decides whether an error is worth retrying. A nil
	// checker retries everything except context cancellation.
	RetryableChecker func(error) bool
}

// Retry executes the operation, retrying per the config. The last error is
// returned when all attempts fail.
func Retry(ctx context.Context, config RetryConfig, name string, operation Operation) (interface{}, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Get().Info("operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err, config) || attempt == config.MaxAttempts {
			break
		}

		backoff := time.Second
		if config.Backoff != nil {
			backoff = config.Backoff(attempt)
		}
		logger.Get().Warn("retrying operation after backoff",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func shouldRetry(err error, config RetryConfig) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if config.RetryableChecker != nil {
		return config.RetryableChecker(err)
	}
	return true
}
