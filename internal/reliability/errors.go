package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded matches a RetryError whose attempts ran out.
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	// ErrNonRetryable matches a RetryError stopped by a permanent failure.
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryError is returned by Retry when it gives up.
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	Duration    time.Duration
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d/%d attempts in %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is reports why retrying stopped.
func (e *RetryError) Is(target error) bool {
	switch target {
	case ErrNonRetryable:
		return !IsRetryable(e.LastError)
	case ErrMaxRetriesExceeded:
		return IsRetryable(e.LastError)
	}
	return false
}
