package pipeline

import (
	"context"
	"time"
)

// transientAttempts bounds retries of network-fragile operations.
const transientAttempts = 10

const (
	backoffInitial = 2 * time.Second
	backoffCeiling = 30 * time.Second
)

// withRetry runs fn up to attempts times with capped exponential backoff.
// The last error is returned when every attempt fails.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	delay := backoffInitial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffCeiling {
			delay = backoffCeiling
		}
	}
	return err
}
