package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt is tried again and after
// how long.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff multiplies the delay by Multiplier after every
// attempt, up to Max. Jitter is the fraction of the delay added or
// removed at random; zero disables it.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Retries    int
	Jitter     float64
}

// NewExponentialBackoff returns a policy allowing retries retries with
// 15% jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, retries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
		Retries:    retries,
		Jitter:     0.15,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Retries || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.Retries
}

// NextDelay returns the delay after the given zero-based attempt.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.Initial)
	for i := 0; i < attempt && delay < float64(e.Max); i++ {
		delay *= e.Multiplier
	}
	if delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	if e.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * e.Jitter * delay
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done.
// Giving up returns a *RetryError wrapping the last failure.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	start := time.Now()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		attempt++
		if !again {
			return &RetryError{
				Op:          op,
				Attempts:    attempt,
				MaxAttempts: policy.MaxRetries() + 1,
				Duration:    time.Since(start),
				LastError:   err,
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether err should be retried. Anything in the chain
// implementing IsRetryable() bool decides; other errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string     { return p.err.Error() }
func (p *permanentError) Unwrap() error     { return p.err }
func (p *permanentError) IsRetryable() bool { return false }
