package util

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// DefaultRetryConfig bounds retries of transient storage failures.
var DefaultRetryConfig = backoff.Config{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: time.Second,
	MaxRetries: 3,
}

// Retry calls fn until it succeeds, the retries are exhausted, or fn
// returns an error for which retryable is false. The last error is returned.
func Retry(ctx context.Context, cfg backoff.Config, retryable func(error) bool, fn func() error) error {
	var err error
	b := backoff.New(ctx, cfg)
	for b.Ongoing() {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		b.Wait()
	}
	if err != nil {
		return err
	}
	return b.Err()
}
