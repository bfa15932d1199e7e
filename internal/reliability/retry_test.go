package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/postbox-go/contracts"
)

func TestFixedDelay(t *testing.T) {
	t.Run("creates with values", func(t *testing.T) {
		fd := NewFixedDelay(500*time.Millisecond, 3)

		assert.Equal(t, 500*time.Millisecond, fd.Delay)
		assert.Equal(t, 3, fd.MaxRetries())
		assert.Equal(t, 500*time.Millisecond, fd.NextDelay(7))
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 2)

		ok, delay := fd.ShouldRetry(1, errors.New("test"))
		assert.True(t, ok)
		assert.Equal(t, time.Second, delay)

		ok, _ = fd.ShouldRetry(2, errors.New("test"))
		assert.False(t, ok)
	})

	t.Run("negative limit retries forever", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, -1)

		ok, _ := fd.ShouldRetry(1_000_000, errors.New("test"))
		assert.True(t, ok)
	})

	t.Run("fatal errors stop", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, -1)

		ok, _ := fd.ShouldRetry(0, fmt.Errorf("dial: %w", contracts.ErrChannelDisposed))
		assert.False(t, ok)
		ok, _ = fd.ShouldRetry(0, &contracts.ProtocolError{Op: "decode", Err: errors.New("bad")})
		assert.False(t, ok)
		ok, _ = fd.ShouldRetry(0, &contracts.ConnectError{Attempt: 1, Err: errors.New("refused")})
		assert.True(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), clock.New(), NewFixedDelay(time.Hour, -1), func(int) error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("waits the fixed delay between attempts", func(t *testing.T) {
		mock := clock.NewMock()
		var calls atomic.Int32
		done := make(chan error, 1)

		go func() {
			done <- Retry(context.Background(), mock, NewFixedDelay(time.Second, -1), func(int) error {
				if calls.Add(1) < 3 {
					return errors.New("refused")
				}
				return nil
			})
		}()

		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			select {
			case err := <-done:
				assert.NoError(t, err)
				return true
			default:
				return false
			}
		}, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		lastErr := errors.New("refused")
		err := Retry(context.Background(), clock.New(), NewFixedDelay(time.Millisecond, 2), func(int) error {
			return lastErr
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, lastErr)
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() {
			done <- Retry(ctx, clock.NewMock(), NewFixedDelay(time.Hour, -1), func(int) error {
				return errors.New("refused")
			})
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("retry did not observe cancellation")
		}
	})
}
