package contracts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// Connection errors
	ErrZeroRead       = errors.New("postbox: connection returned zero bytes")
	ErrRemoteShutdown = errors.New("postbox: remote endpoint shut down")
	ErrHalfOpen       = errors.New("postbox: connection is half-open")

	// Protocol errors
	ErrMalformedFrame = errors.New("postbox: malformed frame")
	ErrFrameTooLarge  = errors.New("postbox: frame exceeds maximum size")
	ErrUnknownType    = errors.New("postbox: unknown letter type")
	ErrMissingNodeID  = errors.New("postbox: initialize letter carries no node id")
	ErrPartTooLarge   = errors.New("postbox: letter part exceeds 4GiB")

	// Channel errors
	ErrChannelDisposed = errors.New("postbox: channel is disposed")
	ErrNotInitialized  = errors.New("postbox: channel is not initialized")

	// Socket errors
	ErrSocketClosed     = errors.New("postbox: socket is closed")
	ErrAlreadyBound     = errors.New("postbox: binding already has a listener")
	ErrAlreadyConnected = errors.New("postbox: binding already has a channel")
	ErrUnknownBinding   = errors.New("postbox: no channel or listener for binding")
	ErrNilLetter        = errors.New("postbox: letter cannot be nil")
)

// ConnectError represents a failed attempt to establish an outbound connection
type ConnectError struct {
	Binding   Binding   // Remote endpoint
	Attempt   int       // Attempt number, starting at 1
	Err       error     // Underlying error
	Timestamp time.Time // When the attempt failed
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("postbox connect error: %s attempt %d: %v", e.Binding, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SocketError represents an I/O fault on an established connection
type SocketError struct {
	Op        string    // "read" or "write"
	Binding   Binding   // Remote endpoint
	Err       error     // Underlying error
	Timestamp time.Time // When the fault occurred
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("postbox socket error: %s %s: %v", e.Op, e.Binding, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a frame that could not be decoded
type ProtocolError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("postbox protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DeliveryError represents a letter that was never acknowledged because its
// channel failed first
type DeliveryError struct {
	Binding  Binding
	LetterID uuid.UUID
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("postbox delivery error: letter %s via %s: %v", e.LetterID, e.Binding, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrChannelDisposed):
		return false
	case errors.Is(err, ErrSocketClosed):
		return false
	}

	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}

	return true
}

// IsFatal determines if an error should end the retry loop
func IsFatal(err error) bool {
	return !IsRetryable(err)
}
