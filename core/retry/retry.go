// Package retry provides the retry wrapper used around network writes and
// the adaptive timeout estimator used for feed reads.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 3

	// DefaultDelay is the pause between attempts.
	DefaultDelay = 250 * time.Millisecond
)

// Do invokes fn and retries it up to retries times, waiting delay between
// attempts. Errors wrapped with Permanent stop immediately. The last error
// is returned; a cancelled ctx stops the loop with ctx.Err().
func Do(ctx context.Context, retries int, delay time.Duration, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)),
		ctx,
	)
	return backoff.Retry(fn, b)
}

// Default is Do with DefaultRetries and DefaultDelay.
func Default(ctx context.Context, fn func() error) error {
	return Do(ctx, DefaultRetries, DefaultDelay, fn)
}

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
