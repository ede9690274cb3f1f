package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// ActionTimeoutTaskCallback represents a callback function that performs a task with a cancellation context
type ActionTimeoutTaskCallback[T any] func(ctx context.Context) (T, error)

// ActionOnRetry is invoked after a failed attempt, before waiting for the next one
type ActionOnRetry func(attempt, attemptTotal int, err error)

const (
	// DefaultRetryAttempt is the default number of attempts per operation
	DefaultRetryAttempt = 5
	// DefaultRetryBackoff is the delay before the second attempt
	DefaultRetryBackoff = time.Second
	// DefaultRetryMaxBackoff caps the exponential backoff
	DefaultRetryMaxBackoff = 30 * time.Second
)

// RetryPolicy configures attempts and exponential backoff
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first
	Attempts int
	// Backoff is the initial delay between attempts; it doubles each retry
	Backoff time.Duration
	// MaxBackoff caps the delay
	MaxBackoff time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// NoJitter disables the 0.5x-1.5x randomization of each delay
	NoJitter bool
}

// DefaultRetryPolicy returns the default policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   DefaultRetryAttempt,
		Backoff:    DefaultRetryBackoff,
		MaxBackoff: DefaultRetryMaxBackoff,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryAttempt
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryMaxBackoff
	}
	return p
}

// Delay returns how long to wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if p.Backoff == 0 || attempt < 1 {
		return 0
	}
	backoff := p.Backoff
	for i := 1; i < attempt && backoff < p.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	if p.NoJitter {
		return backoff
	}
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForRetry runs callback until it succeeds, shouldRetry rejects the error,
// the policy's attempts are used up, or ctx is done. It returns the result, the
// number of attempts made, and the last error.
func WaitForRetry[T any](
	ctx context.Context,
	policy RetryPolicy,
	shouldRetry func(error) bool,
	callback ActionTimeoutTaskCallback[T],
	actionOnRetry ActionOnRetry,
) (T, int, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		result, err := callback(attemptCtx)
		timedOut := attemptCtx.Err() != nil
		cancel()

		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}

		lastErr = err
		if timedOut {
			lastErr = fmt.Errorf("attempt timed out: %w", err)
		} else if shouldRetry != nil && !shouldRetry(err) {
			return zero, attempt, err
		}
		if attempt == policy.Attempts {
			break
		}

		if actionOnRetry != nil {
			actionOnRetry(attempt, policy.Attempts, lastErr)
		} else {
			PushLogWarning(nil, fmt.Sprintf("The operation has failed! Retrying attempt %d/%d\n%v", attempt, policy.Attempts, lastErr))
		}
		if err := sleepContext(ctx, policy.Delay(attempt)); err != nil {
			return zero, attempt, err
		}
	}

	return zero, policy.Attempts, lastErr
}
