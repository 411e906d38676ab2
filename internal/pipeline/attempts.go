package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// withAttempts runs fn up to attempts times, each under its own timeout.
// Only the last error is returned. A cancelled parent stops the loop.
func withAttempts(ctx context.Context, attempts int, timeout time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err = fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			return nil
		}
		if timedOut {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
