package application

import (
	"context"
	"errors"
	"time"
)

var ErrPollTimeout = errors.New("condition not met before poll timeout")

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// PollUntil evaluates predicate every interval until it holds, for at most
// maxWait/interval attempts (at least one). Predicate errors abort the poll.
func PollUntil(ctx context.Context, interval, maxWait time.Duration, predicate func(context.Context) (bool, error)) error {
	return PollUntilWith(ctx, sleepContext, interval, maxWait, predicate)
}

// PollUntilWith is PollUntil with a caller-supplied wait between attempts.
func PollUntilWith(ctx context.Context, wait WaitFunc, interval, maxWait time.Duration, predicate func(context.Context) (bool, error)) error {
	attempts := 1
	if interval > 0 && maxWait > interval {
		attempts = int(maxWait / interval)
	}

	for attempt := 1; ; attempt++ {
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= attempts {
			return ErrPollTimeout
		}
		if err := wait(ctx, interval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
