package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/glimte/postbox-go/contracts"
)

// AcceptFunc receives each accepted connection. It runs on the accept loop
// and must not block.
type AcceptFunc func(conn net.Conn)

// Listener accepts inbound connections for one bound address
type Listener struct {
	ln      net.Listener
	binding contracts.Binding
	accept  AcceptFunc
	logger  *slog.Logger

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// Listen binds to binding and starts accepting. A zero port picks an
// ephemeral one; Binding reports the port actually bound.
func Listen(ctx context.Context, binding contracts.Binding, accept AcceptFunc, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", binding.String())
	if err != nil {
		return nil, &contracts.SocketError{Op: "listen", Binding: binding, Err: err, Timestamp: time.Now()}
	}

	bound := contracts.BindingFromAddr(ln.Addr())
	if binding.Address != "" {
		bound.Address = binding.Address
	}

	l := &Listener{
		ln:      ln,
		binding: bound,
		accept:  accept,
		logger:  logger.With("binding", bound.String()),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	go l.serve()
	return l, nil
}

// Binding returns the bound address
func (l *Listener) Binding() contracts.Binding {
	return l.binding
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) serve() {
	defer close(l.done)

	backoff := 5 * time.Millisecond
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(backoff)
				continue
			}

			l.logger.Error("accept failed", "error", err)
			time.Sleep(backoff)
			continue
		}

		l.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		l.accept(conn)
	}
}

// Close stops accepting and waits for the accept loop to exit
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		err = l.ln.Close()
	})
	<-l.done
	return err
}
