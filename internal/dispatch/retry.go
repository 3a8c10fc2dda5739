package dispatch

import (
	"context"
	"fmt"
	"time"

	"copytrade-core/pkg/venue"
)

// RetryPolicy bounds re-submission of transient venue failures.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BackoffBase time.Duration // delay before the first retry
	BackoffCap  time.Duration
}

// DefaultRetryPolicy matches the engine contract: 3 attempts total,
// exponential backoff from 200ms capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: 200 * time.Millisecond, BackoffCap: 2 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 200 * time.Millisecond
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 2 * time.Second
	}
	return p
}

// Backoff returns the delay before retry number n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BackoffBase << (n - 1)
	if d > p.BackoffCap || d <= 0 {
		d = p.BackoffCap
	}
	return d
}

// errCancelled aborts the retry loop when the relationship leaves active
// between attempts; the session resolves to cancelled, not failed.
type errCancelled struct {
	status string
}

func (e *errCancelled) Error() string {
	return fmt.Sprintf("relationship %s", e.status)
}

// attemptFunc performs one venue submission. attempt is 1-based.
type attemptFunc func(ctx context.Context, attempt int) (venue.SubmitResult, error)

// boundaryFunc runs before every attempt after the first; a non-nil error
// aborts the loop without submitting again.
type boundaryFunc func() error

// Coordinator drives bounded retry of transient venue errors. Policy errors
// never reach it; permanent venue errors stop it on the spot.
type Coordinator struct {
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(policy RetryPolicy) *Coordinator {
	return &Coordinator{policy: policy.normalized(), sleep: sleepCtx}
}

// Execute submits via fn until success, a non-transient error, attempt
// exhaustion, or deadline overrun. It returns the last result, the number of
// retries performed (attempts beyond the first), and the final error.
// deadline is the session's hard latency bound; zero means unbounded.
func (c *Coordinator) Execute(ctx context.Context, deadline time.Time, boundary boundaryFunc, fn attemptFunc) (venue.SubmitResult, int, error) {
	var last venue.SubmitResult
	var lastErr error
	retries := 0

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if boundary != nil {
				if err := boundary(); err != nil {
					return last, retries, err
				}
			}
			wait := c.policy.Backoff(attempt - 1)
			if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
				// Retrying would breach the latency contract; fail now
				// rather than deliver a stale replica.
				return last, retries, fmt.Errorf("deadline exceeded before retry %d: %w", attempt-1, lastErr)
			}
			if err := c.sleep(ctx, wait); err != nil {
				return last, retries, err
			}
			retries++
		}

		last, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return last, retries, nil
		}
		if !venue.IsTransient(lastErr) {
			return last, retries, lastErr
		}
	}
	return last, retries, fmt.Errorf("retries exhausted after %d attempts: %w", c.policy.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
