package provider

import (
	"context"
	"errors"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/inventiv/fleet/pkg/apperror"
)

// WithStartRetry runs fn under the pinned bounded-retry schedule for the
// start_instance "volumes not yet usable" transient precondition (§4.1):
// fixed steps of 0.5s, 1s, 2s, 3s, 5s, then capped at 5s, for a 60s total
// budget. fn's error is retried only while it classifies as
// apperror.KindRetryableTransient.
func WithStartRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, StartRetryBudget)
	defer cancel()

	steps := StartRetrySteps()
	i := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		var d time.Duration
		if i < len(steps) {
			d = steps[i]
		} else {
			d = 5 * time.Second
		}
		i++
		return d, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if apperror.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(err, apperror.CodeProviderStartFailed, apperror.KindTimeout,
			"start_instance transient retry budget exhausted")
	}
	return err
}
