package reliability

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/postbox-go/contracts"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries, negative for unlimited
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy. A negative maxRetries
// retries until the context ends.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}

	if contracts.IsFatal(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes fn until it succeeds, the policy gives up, or ctx ends.
// Waits between attempts are measured on clk. attempt is zero-based.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func(attempt int) error) error {
	start := clk.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries(),
				LastError:   err,
				Duration:    clk.Since(start),
			}
		}

		timer := clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
