package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	IsRetryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do calls fn until it succeeds, the error is not retryable, retries are
// exhausted or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = IsTransient
	}
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || !retryable(err) {
			return err
		}
		timer := time.NewTimer(r.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// IsTransient reports whether err is worth another attempt: not a
// cancellation, not a rate limit and not a 4xx response.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRateLimit(err) {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
