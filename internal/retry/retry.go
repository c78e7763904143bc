// Package retry implements exponential retry policy.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/logging"
)

var log = logging.Module("retry")

var (
	maxAttempts             = 5
	retryInitialSleepAmount = 1 * time.Second
	retryMaxSleepAmount     = 32 * time.Second
)

// AttemptFunc performs a single attempt.
type AttemptFunc func() error

// IsRetriableFunc is a function that determines whether an error is retriable.
type IsRetriableFunc func(err error) bool

// Always treats any non-nil error as retriable.
func Always(err error) bool {
	return err != nil
}

// WithExponentialBackoff runs the provided attempt until it succeeds, retrying on all
// errors that are deemed retriable by the provided function. The delay between retries
// grows exponentially up to a certain limit. The context aborts the wait between attempts.
func WithExponentialBackoff(ctx context.Context, desc string, attempt AttemptFunc, isRetriable IsRetriableFunc) error {
	sleepAmount := retryInitialSleepAmount

	var lastErr error

	for i := 0; i < maxAttempts; i++ {
		lastErr = attempt()
		if lastErr == nil || !isRetriable(lastErr) {
			return lastErr
		}

		log(ctx).Debugf("got error %v when %v (#%v), sleeping for %v before retrying", lastErr, desc, i, sleepAmount)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "canceled while retrying %v", desc)
		case <-time.After(sleepAmount):
		}

		sleepAmount *= 2
		if sleepAmount > retryMaxSleepAmount {
			sleepAmount = retryMaxSleepAmount
		}
	}

	return errors.Wrapf(lastErr, "unable to complete %v despite %v attempts", desc, maxAttempts)
}
