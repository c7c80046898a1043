package retry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{MaxRetries: 3, InitialInterval: 1, Multiplier: 2}
}

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(testConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	failure := errors.New("still broken")
	err := Retry(testConfig(), func() error {
		attempts++
		return failure
	})
	assert.Equal(t, failure, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryNonRetryableShortCircuits(t *testing.T) {
	attempts := 0
	notFound := errors.New("404 not found")
	err := Retry(testConfig(), func() error {
		attempts++
		return &NonRetryable{Err: notFound}
	})
	assert.Equal(t, notFound, err, "the wrapped error surfaces, not the wrapper")
	assert.Equal(t, 1, attempts)
}

func TestRetryNonRetryableWrapped(t *testing.T) {
	attempts := 0
	err := Retry(testConfig(), func() error {
		attempts++
		return errors.Join(errors.New("context"), &NonRetryable{Err: errors.New("fatal")})
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "errors.As finds the wrapper anywhere in the chain")
}
