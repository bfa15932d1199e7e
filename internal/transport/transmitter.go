package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/serialization"
)

// Transmitter writes queued letters to a connection in enqueue order
type Transmitter struct {
	conn         net.Conn
	binding      contracts.Binding
	writeTimeout time.Duration
	sent         func(*contracts.Letter)
	activity     *Activity

	mu    sync.Mutex
	queue []*contracts.Letter
	wake  chan struct{}
	buf   []byte
}

// NewTransmitter creates a transmitter for conn. sent is called after each
// successful write, except for heartbeats.
func NewTransmitter(conn net.Conn, cfg Config, sent func(*contracts.Letter), activity *Activity) *Transmitter {
	if sent == nil {
		sent = func(*contracts.Letter) {}
	}
	if activity == nil {
		activity = &Activity{}
	}
	return &Transmitter{
		conn:         conn,
		binding:      cfg.Binding,
		writeTimeout: cfg.WriteTimeout,
		sent:         sent,
		activity:     activity,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue adds a letter to the outgoing queue without blocking
func (t *Transmitter) Enqueue(l *contracts.Letter) {
	t.mu.Lock()
	t.queue = append(t.queue, l)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of letters not yet written
func (t *Transmitter) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Run writes letters until ctx ends or a write fails
func (t *Transmitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		}

		for letters := t.take(); len(letters) > 0; letters = t.take() {
			for _, l := range letters {
				if ctx.Err() != nil {
					return nil
				}
				if err := t.write(l); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if l.Type != contracts.TypeHeartbeat {
					t.sent(l)
				}
			}
		}
	}
}

func (t *Transmitter) take() []*contracts.Letter {
	t.mu.Lock()
	defer t.mu.Unlock()
	letters := t.queue
	t.queue = nil
	return letters
}

func (t *Transmitter) write(l *contracts.Letter) error {
	frame, err := serialization.AppendLetter(t.buf[:0], l)
	if err != nil {
		return &contracts.ProtocolError{Op: "encode " + l.Type.String(), Err: err}
	}
	t.buf = frame

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return &contracts.SocketError{Op: "write", Binding: t.binding, Err: err, Timestamp: time.Now()}
		}
	}

	if _, err := t.conn.Write(frame); err != nil {
		return &contracts.SocketError{Op: "write", Binding: t.binding, Err: err, Timestamp: time.Now()}
	}

	// A heartbeat only proves the link is idle; counting it would skip the
	// next one.
	if l.Type != contracts.TypeHeartbeat {
		t.activity.Touch()
	}
	return nil
}
