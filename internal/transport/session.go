package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/postbox-go/contracts"
)

// Config holds the per-connection settings shared by a session's loops
type Config struct {
	Binding        contracts.Binding
	ReadBufferSize int
	MaxFrameSize   int
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Hooks receive session events. Received and Sent run on the session's
// I/O goroutines and must not block.
type Hooks struct {
	Received func(*contracts.Letter)
	Sent     func(*contracts.Letter)
	// Failed is called at most once, when either loop stops with an error.
	// It is not called after Close.
	Failed func(error)
}

// Session owns one connection and the two loops that serve it
type Session struct {
	conn     net.Conn
	cfg      Config
	hooks    Hooks
	logger   *slog.Logger
	activity *Activity
	tx       *Transmitter
	rx       *Receiver

	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
}

// NewSession wraps conn. Nothing is read or written until Start.
func NewSession(conn net.Conn, cfg Config, hooks Hooks) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if hooks.Failed == nil {
		hooks.Failed = func(error) {}
	}

	s := &Session{
		conn:     conn,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With("binding", cfg.Binding.String()),
		activity: &Activity{},
		cancel:   func() {},
		done:     make(chan struct{}),
	}
	s.tx = NewTransmitter(conn, cfg, hooks.Sent, s.activity)
	s.rx = NewReceiver(conn, cfg, hooks.Received, s.activity)
	return s
}

// Start launches the transmit and receive loops
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.tx.Run(gctx) })
	g.Go(func() error { return s.rx.Run(gctx) })

	// A blocked Read only returns once the connection is closed.
	go func() {
		<-gctx.Done()
		s.closeConn()
	}()

	go func() {
		defer close(s.done)
		err := g.Wait()
		s.closeConn()

		if s.stopped.Load() {
			s.logger.Debug("session closed")
			return
		}
		if err == nil {
			err = &contracts.SocketError{Op: "session", Binding: s.cfg.Binding, Err: net.ErrClosed, Timestamp: time.Now()}
		}
		s.logger.Debug("session failed", "error", err)
		s.hooks.Failed(err)
	}()
}

// Send queues a letter for transmission
func (s *Session) Send(l *contracts.Letter) {
	s.tx.Enqueue(l)
}

// Activity returns the read/write activity flag of this connection
func (s *Session) Activity() *Activity {
	return s.activity
}

// Conn returns the underlying connection
func (s *Session) Conn() net.Conn {
	return s.conn
}

// Close stops both loops and closes the connection without waiting.
// Failed is not called afterwards.
func (s *Session) Close() {
	s.stopped.Store(true)
	s.cancel()
	s.closeConn()
}

// Done is closed once both loops have stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until both loops have stopped or ctx ends
func (s *Session) Wait(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", "error", err)
		}
	})
}
