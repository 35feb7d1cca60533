package utils

import (
	"context"
	"time"
)

const (
	BaseBackoff = 100 * time.Millisecond
)

// Retry invokes fn up to attempts times with exponential backoff, retrying
// only while retryable(err) holds. The last error is returned when all
// attempts are exhausted.
func Retry(ctx context.Context, attempts int, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if i < attempts-1 {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
