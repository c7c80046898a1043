// pkg/retry/retry.go - functions for retrying actions with exponential backoff.

package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/macadmins/capuchin/pkg/logging"
)

// NonRetryable wraps an error that should not be retried (for example a
// 404 while probing manifest identifiers, or a hash verification failure
// that a retry cannot fix).
type NonRetryable struct {
	Err error
}

func (e *NonRetryable) Error() string { return e.Err.Error() }
func (e *NonRetryable) Unwrap() error { return e.Err }

// Config defines the configuration for retry attempts.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

// Retry retries a given function with exponential backoff.
func Retry(config Config, action func() error) error {
	interval := config.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		err := action()
		if err == nil {
			return nil
		}
		lastErr = err

		var nonRetryable *NonRetryable
		if errors.As(err, &nonRetryable) {
			logging.Debug("Non-retryable error encountered",
				"attempt", attempt, "error", err)
			return nonRetryable.Err
		}

		if attempt < config.MaxRetries {
			logging.Warn(fmt.Sprintf("Attempt %d/%d failed: %s. Retrying in %s...",
				attempt, config.MaxRetries, err.Error(), interval.String()),
				"attempt", attempt, "max_attempts", config.MaxRetries)
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * config.Multiplier)
		} else {
			logging.Warn(fmt.Sprintf("Attempt %d/%d failed: %s. No more retries.",
				attempt, config.MaxRetries, err.Error()),
				"attempt", attempt, "max_attempts", config.MaxRetries)
		}
	}

	return lastErr
}
