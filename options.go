package postbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/glimte/postbox-go/internal/channel"
	"github.com/glimte/postbox-go/internal/transport"
)

// BatchOptions controls packing of user letters into batch letters
type BatchOptions = channel.BatchOptions

// DefaultBatchOptions returns the batching defaults with batching enabled
func DefaultBatchOptions() BatchOptions {
	opts := channel.DefaultBatchOptions()
	opts.Enabled = true
	return opts
}

// DialFunc opens outbound connections
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type socketConfig struct {
	nodeID              uuid.UUID
	batch               BatchOptions
	reconnectInterval   time.Duration
	heartbeatInterval   time.Duration
	healthCheckInterval time.Duration
	shutdownGracePeriod time.Duration
	writeTimeout        time.Duration
	readBufferSize      int
	maxFrameSize        int
	dedupCacheSize      int
	logger              *slog.Logger
	clock               clock.Clock
	dial                DialFunc
	listeners           listeners
}

func defaultConfig() *socketConfig {
	return &socketConfig{
		nodeID:              uuid.New(),
		batch:               channel.DefaultBatchOptions(),
		reconnectInterval:   time.Second,
		heartbeatInterval:   time.Second,
		healthCheckInterval: 5 * time.Second,
		shutdownGracePeriod: 5 * time.Second,
		readBufferSize:      64 << 10,
		dedupCacheSize:      4096,
		logger:              slog.Default(),
		clock:               clock.New(),
	}
}

func (c *socketConfig) validate() error {
	if c.nodeID == uuid.Nil {
		return fmt.Errorf("node id must not be nil")
	}
	if c.reconnectInterval <= 0 {
		return fmt.Errorf("reconnect interval must be positive, got %v", c.reconnectInterval)
	}
	if c.heartbeatInterval < 0 || c.healthCheckInterval < 0 || c.shutdownGracePeriod < 0 || c.writeTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.readBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.readBufferSize)
	}
	if c.maxFrameSize < 0 || c.dedupCacheSize < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	if c.batch.Enabled && (c.batch.MaxLetters <= 0 || c.batch.ExtendInterval <= 0 || c.batch.MaxExtendInterval <= 0) {
		return fmt.Errorf("batch options must be positive: %+v", c.batch)
	}
	return nil
}

func (c *socketConfig) channelOptions() channel.Options {
	opts := channel.Options{
		NodeID:            c.nodeID,
		HeartbeatInterval: c.heartbeatInterval,
		ReconnectInterval: c.reconnectInterval,
		WriteTimeout:      c.writeTimeout,
		ReadBufferSize:    c.readBufferSize,
		MaxFrameSize:      c.maxFrameSize,
		Batch:             c.batch,
		Clock:             c.clock,
		Logger:            c.logger,
	}
	if c.dial != nil {
		opts.Dial = transport.DialFunc(c.dial)
	}
	return opts
}

// Option configures a Socket
type Option func(*socketConfig)

// WithNodeID sets the identity announced in every handshake
func WithNodeID(id uuid.UUID) Option {
	return func(cfg *socketConfig) {
		cfg.nodeID = id
	}
}

// WithBatching packs outgoing user letters into batches
func WithBatching(opts BatchOptions) Option {
	return func(cfg *socketConfig) {
		cfg.batch = opts
	}
}

// WithReconnectInterval sets the wait between outbound connection attempts
func WithReconnectInterval(d time.Duration) Option {
	return func(cfg *socketConfig) {
		cfg.reconnectInterval = d
	}
}

// WithHeartbeatInterval sets the idle heartbeat period. Zero disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(cfg *socketConfig) {
		cfg.heartbeatInterval = d
	}
}

// WithHealthCheckInterval sets how often channels are probed for half-open
// connections. Zero disables the sweep.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(cfg *socketConfig) {
		cfg.healthCheckInterval = d
	}
}

// WithShutdownGracePeriod bounds how long Close waits for shutdown notices
func WithShutdownGracePeriod(d time.Duration) Option {
	return func(cfg *socketConfig) {
		cfg.shutdownGracePeriod = d
	}
}

// WithWriteTimeout sets a per-frame write deadline. Zero means none.
func WithWriteTimeout(d time.Duration) Option {
	return func(cfg *socketConfig) {
		cfg.writeTimeout = d
	}
}

// WithReadBufferSize sets the size of each connection's receive buffer
func WithReadBufferSize(n int) Option {
	return func(cfg *socketConfig) {
		cfg.readBufferSize = n
	}
}

// WithMaxFrameSize bounds frames in both directions: larger incoming frames
// fail the connection and Send rejects letters that would encode larger.
// Zero uses the codec default.
func WithMaxFrameSize(n int) Option {
	return func(cfg *socketConfig) {
		cfg.maxFrameSize = n
	}
}

// WithDedupCacheSize sets how many received letter ids are remembered to
// suppress duplicates. Zero disables suppression.
func WithDedupCacheSize(n int) Option {
	return func(cfg *socketConfig) {
		cfg.dedupCacheSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *socketConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock sets the clock driving every timer
func WithClock(clk clock.Clock) Option {
	return func(cfg *socketConfig) {
		if clk != nil {
			cfg.clock = clk
		}
	}
}

// WithDialer replaces the TCP dialer used by outbound channels
func WithDialer(dial DialFunc) Option {
	return func(cfg *socketConfig) {
		cfg.dial = dial
	}
}

// WithEventListener registers a listener. It may be given more than once.
func WithEventListener(l EventListener) Option {
	return func(cfg *socketConfig) {
		if l != nil {
			cfg.listeners = append(cfg.listeners, l)
		}
	}
}
