package crawler

import (
	"context"
	"fmt"
	"time"
)

// retrier runs a call under the retry policy, giving every attempt its own
// call timeout.
type retrier struct {
	policy  RetryPolicy
	timeout time.Duration
	onRetry func(op string, attempt int, err error)
}

// do returns nil, the last error once the policy gives up, or the run
// context's error if it ends first.
func (r retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return err
		}
		if r.onRetry != nil {
			r.onRetry(op, attempt, err)
		}
		timer := time.NewTimer(r.policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}
