package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/internal/reliability"
)

// DialFunc opens a network connection
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ConnectorOption configures a Connector
type ConnectorOption func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryInterval sets the wait between connection attempts
func WithRetryInterval(interval time.Duration) ConnectorOption {
	return func(c *Connector) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithMaxRetries limits the number of retries. Negative retries forever.
func WithMaxRetries(retries int) ConnectorOption {
	return func(c *Connector) {
		c.maxRetries = retries
	}
}

// WithDialFunc replaces the TCP dialer
func WithDialFunc(dial DialFunc) ConnectorOption {
	return func(c *Connector) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithClock sets the clock used to wait between attempts
func WithClock(clk clock.Clock) ConnectorOption {
	return func(c *Connector) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithAttemptListener registers a callback invoked after each failed attempt
func WithAttemptListener(fn func(*contracts.ConnectError)) ConnectorOption {
	return func(c *Connector) {
		c.onAttempt = fn
	}
}

// Connector dials one remote binding until it answers
type Connector struct {
	binding    contracts.Binding
	dial       DialFunc
	interval   time.Duration
	maxRetries int
	clock      clock.Clock
	logger     *slog.Logger
	onAttempt  func(*contracts.ConnectError)
}

// NewConnector creates a connector for binding
func NewConnector(binding contracts.Binding, options ...ConnectorOption) *Connector {
	var d net.Dialer
	c := &Connector{
		binding:    binding,
		dial:       d.DialContext,
		interval:   time.Second,
		maxRetries: -1,
		clock:      clock.New(),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect dials until a connection is established, retries run out, or
// ctx ends
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	policy := reliability.NewFixedDelay(c.interval, c.maxRetries)

	err := reliability.Retry(ctx, c.clock, policy, func(attempt int) error {
		cn, err := c.dial(ctx, "tcp", c.binding.String())
		if err != nil {
			connErr := &contracts.ConnectError{
				Binding:   c.binding,
				Attempt:   attempt + 1,
				Err:       err,
				Timestamp: c.clock.Now(),
			}
			c.logger.Debug("connection attempt failed",
				"binding", c.binding.String(),
				"attempt", attempt+1,
				"error", err)
			if c.onAttempt != nil {
				c.onAttempt(connErr)
			}
			return connErr
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("connected", "binding", c.binding.String())
	return conn, nil
}
