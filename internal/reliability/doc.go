// Package reliability provides the retry loop behind outbound reconnection.
//
// A FixedDelay policy with a negative attempt limit retries forever, waiting
// the same interval between attempts, and Retry stops as soon as its context
// is cancelled. Waits go through an injected clock so tests can advance time.
//
// Example usage:
//
//	err := reliability.Retry(ctx, clock.New(), reliability.NewFixedDelay(time.Second, -1),
//	    func(attempt int) error {
//	        return dial()
//	    })
package reliability
