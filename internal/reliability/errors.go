package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded is matched by every RetryError
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// RetryError represents a retry loop that gave up
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}
