package process

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotHealthy = errors.New("not healthy")

// CheckFunc reports whether the checked target is healthy
type CheckFunc func(ctx context.Context) bool

// PollUntilHealthy runs check at most maxAttempts times with interval between
// attempts, it returns as soon as check succeeds or ctx is done
func PollUntilHealthy(ctx context.Context, check CheckFunc, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		if !check(ctx) {
			return errNotHealthy
		}

		return nil
	}, b)

	return err == nil
}
