package storage

import (
	"context"
	"math/rand/v2"
	"time"
)

// WithRetry runs fn, retrying up to maxRetries times while it fails with a
// serialization or deadlock error. Delays start at baseDelay, double each
// attempt and carry up to one baseDelay of jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay
		if baseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter only
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		baseDelay *= 2
	}
	return err
}
