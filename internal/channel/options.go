package channel

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/internal/transport"
	"github.com/glimte/postbox-go/serialization"
)

// BatchOptions controls packing of user letters into batch letters
type BatchOptions struct {
	Enabled bool
	// ExtendInterval is the quiet period after the last enqueue before a
	// flush
	ExtendInterval time.Duration
	// MaxExtendInterval bounds how long the first letter of a batch waits
	MaxExtendInterval time.Duration
	// MaxLetters flushes as soon as this many letters are waiting
	MaxLetters int
}

// Options configures a channel
type Options struct {
	NodeID            uuid.UUID
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	ReadBufferSize    int
	MaxFrameSize      int
	Batch             BatchOptions
	Clock             clock.Clock
	Logger            *slog.Logger
	Dial              transport.DialFunc
}

// DefaultBatchOptions returns the batching defaults, disabled
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		ExtendInterval:    5 * time.Millisecond,
		MaxExtendInterval: 50 * time.Millisecond,
		MaxLetters:        100,
	}
}

// DefaultOptions returns options with a fresh node id
func DefaultOptions() Options {
	return Options{
		NodeID:            uuid.New(),
		HeartbeatInterval: time.Second,
		ReconnectInterval: time.Second,
		ReadBufferSize:    transport.DefaultReadBufferSize,
		Batch:             DefaultBatchOptions(),
		Clock:             clock.New(),
		Logger:            slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.NodeID == uuid.Nil {
		o.NodeID = def.NodeID
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = def.ReconnectInterval
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = def.ReadBufferSize
	}
	if o.Batch.ExtendInterval <= 0 {
		o.Batch.ExtendInterval = def.Batch.ExtendInterval
	}
	if o.Batch.MaxExtendInterval <= 0 {
		o.Batch.MaxExtendInterval = def.Batch.MaxExtendInterval
	}
	if o.Batch.MaxLetters <= 0 {
		o.Batch.MaxLetters = def.Batch.MaxLetters
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}

func (o Options) frameLimit() int {
	if o.MaxFrameSize <= 0 {
		return serialization.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// CheckSize returns the encoded size of l, or ErrFrameTooLarge when l does not
// fit in one frame. With batching on, a user letter must also fit in a batch
// of its own.
func (o Options) CheckSize(l *contracts.Letter) (int, error) {
	size, err := serialization.EncodedSize(l)
	if err != nil {
		return 0, err
	}

	framed := size
	if o.Batch.Enabled && l.Type == contracts.TypeUser {
		framed = serialization.BatchHeaderSize + serialization.BatchedSize(size)
	}
	if limit := o.frameLimit(); framed > limit {
		return 0, fmt.Errorf("%w: letter needs %d bytes, limit is %d", contracts.ErrFrameTooLarge, framed, limit)
	}
	return size, nil
}
