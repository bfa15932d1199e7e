package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/serialization"
)

// DefaultReadBufferSize is the size of the fixed receive buffer
const DefaultReadBufferSize = 64 << 10

// Receiver reads frames from a connection and hands decoded letters over
type Receiver struct {
	conn       net.Conn
	binding    contracts.Binding
	bufferSize int
	assembler  *serialization.Assembler
	received   func(*contracts.Letter)
	activity   *Activity
}

// NewReceiver creates a receiver for conn. Heartbeats are consumed here and
// never passed to received.
func NewReceiver(conn net.Conn, cfg Config, received func(*contracts.Letter), activity *Activity) *Receiver {
	size := cfg.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	if received == nil {
		received = func(*contracts.Letter) {}
	}
	if activity == nil {
		activity = &Activity{}
	}
	return &Receiver{
		conn:       conn,
		binding:    cfg.Binding,
		bufferSize: size,
		assembler:  serialization.NewAssembler(cfg.MaxFrameSize),
		received:   received,
		activity:   activity,
	}
}

// Run reads until ctx ends or the connection fails. It never retries.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, r.bufferSize)

	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			r.activity.Touch()
			if ferr := r.assembler.Feed(buf[:n], r.deliver); ferr != nil {
				return &contracts.ProtocolError{Op: "decode", Err: ferr}
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, io.EOF):
			return &contracts.SocketError{Op: "read", Binding: r.binding, Err: contracts.ErrZeroRead, Timestamp: time.Now()}
		case err != nil:
			return &contracts.SocketError{Op: "read", Binding: r.binding, Err: err, Timestamp: time.Now()}
		case n == 0:
			return &contracts.SocketError{Op: "read", Binding: r.binding, Err: contracts.ErrZeroRead, Timestamp: time.Now()}
		}
	}
}

func (r *Receiver) deliver(frame []byte) error {
	l, err := serialization.Decode(frame)
	if err != nil {
		return err
	}
	if l.Type == contracts.TypeHeartbeat {
		return nil
	}
	r.received(l)
	return nil
}
