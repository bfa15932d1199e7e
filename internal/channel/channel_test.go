package channel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/internal/transport"
	"github.com/glimte/postbox-go/serialization"
)

const waitTimeout = 2 * time.Second

// peer speaks the wire protocol by hand on the far end of a pipe
type peer struct {
	t      *testing.T
	conn   net.Conn
	nodeID uuid.UUID
	frames chan *contracts.Letter
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	p := &peer{t: t, conn: conn, nodeID: uuid.New(), frames: make(chan *contracts.Letter, 256)}
	go func() {
		defer close(p.frames)
		for {
			frame, err := serialization.ReadFrame(conn, 0)
			if err != nil {
				return
			}
			l, err := serialization.Decode(frame)
			if err != nil {
				return
			}
			p.frames <- l
		}
	}()
	return p
}

// next returns the next non-heartbeat letter
func (p *peer) next() *contracts.Letter {
	p.t.Helper()
	for {
		select {
		case l, ok := <-p.frames:
			require.True(p.t, ok, "peer connection closed")
			if l.Type == contracts.TypeHeartbeat {
				continue
			}
			return l
		case <-time.After(waitTimeout):
			p.t.Fatal("peer received nothing")
			return nil
		}
	}
}

func (p *peer) write(l *contracts.Letter) {
	p.t.Helper()
	require.NoError(p.t, serialization.WriteLetter(p.conn, l))
}

func (p *peer) handshake() {
	p.t.Helper()
	hello := p.next()
	require.Equal(p.t, contracts.TypeInitialize, hello.Type)
	p.write(contracts.NewAck(hello))

	ours := contracts.NewInitialize(p.nodeID)
	p.write(ours)
	ack := p.next()
	require.Equal(p.t, contracts.TypeAck, ack.Type)
	require.Equal(p.t, ours.ID, ack.ID)
}

type recorder struct {
	connected    chan struct{}
	initialized  chan struct{}
	disconnected chan error
	received     chan *contracts.Letter
	sent         chan *contracts.Letter
	failed       chan []*contracts.Letter
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 16),
		initialized:  make(chan struct{}, 16),
		disconnected: make(chan error, 16),
		received:     make(chan *contracts.Letter, 256),
		sent:         make(chan *contracts.Letter, 256),
		failed:       make(chan []*contracts.Letter, 16),
	}
}

func (r *recorder) handler() Handler {
	return HandlerFuncs{
		Connected:    func(*Channel) { r.connected <- struct{}{} },
		Initialized:  func(*Channel) { r.initialized <- struct{}{} },
		Disconnected: func(_ *Channel, err error) { r.disconnected <- err },
		Received:     func(_ *Channel, l *contracts.Letter) { r.received <- l },
		Sent:         func(_ *Channel, l *contracts.Letter) { r.sent <- l },
		Failed:       func(_ *Channel, ls []*contracts.Letter) { r.failed <- ls },
	}
}

func await[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func assertQuiet[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func testOptions() Options {
	return Options{
		NodeID:            uuid.New(),
		ReconnectInterval: time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// pipeDialer hands out one pipe end per dial, blocking until the test
// provides it
func pipeDialer(conns <-chan net.Conn) transport.DialFunc {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type fixture struct {
	ch    *Channel
	rec   *recorder
	conns chan net.Conn
}

func newOutboundFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{rec: newRecorder(), conns: make(chan net.Conn, 4)}
	opts.Dial = pipeDialer(f.conns)
	f.ch = NewOutbound(contracts.NewBinding("127.0.0.1", 7000), f.rec.handler(), opts)
	t.Cleanup(f.ch.Dispose)
	return f
}

// dial supplies the next connection and returns the peer end
func (f *fixture) dial(t *testing.T) *peer {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	f.conns <- local
	return newPeer(t, remote)
}

func (f *fixture) initialize(t *testing.T) *peer {
	f.ch.Start()
	p := f.dial(t)
	await(t, f.rec.connected)
	p.handshake()
	await(t, f.rec.initialized)
	return p
}

func TestChannelHandshake(t *testing.T) {
	t.Run("Enqueue before connecting is rejected", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		assert.ErrorIs(t, f.ch.Enqueue(contracts.NewLetter([]byte("x"))), contracts.ErrNotInitialized)
		assert.Equal(t, StateCreated, f.ch.State())
	})

	t.Run("initializes after both acks", func(t *testing.T) {
		opts := testOptions()
		f := newOutboundFixture(t, opts)
		f.ch.Start()
		p := f.dial(t)
		await(t, f.rec.connected)

		hello := p.next()
		require.Equal(t, contracts.TypeInitialize, hello.Type)
		nodeID, err := hello.NodeID()
		require.NoError(t, err)
		assert.Equal(t, opts.NodeID, nodeID)
		assert.True(t, hello.Options.Has(contracts.OptionAck))

		p.write(contracts.NewAck(hello))
		assertQuiet(t, f.rec.initialized)
		assert.Equal(t, StateConnected, f.ch.State())

		ours := contracts.NewInitialize(p.nodeID)
		p.write(ours)
		assert.Equal(t, ours.ID, p.next().ID)

		await(t, f.rec.initialized)
		assert.True(t, f.ch.IsInitialized())
		assert.Equal(t, p.nodeID, f.ch.RemoteNodeID())
	})

	t.Run("malformed Initialize fails the connection", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		f.ch.Start()
		p := f.dial(t)
		await(t, f.rec.connected)
		p.next()

		bad := &contracts.Letter{
			Type:    contracts.TypeInitialize,
			Options: contracts.OptionUniqueID,
			Parts:   [][]byte{[]byte("short")},
		}
		bad.Normalize()
		p.write(bad)

		err := await(t, f.rec.disconnected)
		var protoErr *contracts.ProtocolError
		assert.ErrorAs(t, err, &protoErr)
	})
}

func TestChannelDelivery(t *testing.T) {
	t.Run("Sent waits for the ack", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		l := contracts.NewLetter([]byte("hello"))
		l.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(l))

		got := p.next()
		assert.Equal(t, contracts.TypeUser, got.Type)
		assert.Equal(t, l.ID, got.ID)
		assertQuiet(t, f.rec.sent)

		p.write(contracts.NewAck(got))
		assert.Same(t, l, await(t, f.rec.sent))
	})

	t.Run("letters without ack are sent once written", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		l := contracts.NewLetter([]byte("fire and forget"))
		require.NoError(t, f.ch.Enqueue(l))

		assert.Equal(t, []byte("fire and forget"), p.next().Parts[0])
		assert.Same(t, l, await(t, f.rec.sent))
	})

	t.Run("Sent keeps enqueue order when acks arrive out of order", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		first := contracts.NewLetter([]byte("1"))
		first.Options = contracts.OptionAck
		second := contracts.NewLetter([]byte("2"))
		second.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(first))
		require.NoError(t, f.ch.Enqueue(second))

		g1, g2 := p.next(), p.next()
		p.write(contracts.NewAck(g2))
		assertQuiet(t, f.rec.sent)

		p.write(contracts.NewAck(g1))
		assert.Same(t, first, await(t, f.rec.sent))
		assert.Same(t, second, await(t, f.rec.sent))
	})

	t.Run("the same letter enqueued twice completes both times", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		twice := contracts.NewLetter([]byte("again"))
		twice.Options = contracts.OptionAck
		other := contracts.NewLetter([]byte("other"))
		other.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(twice))
		require.NoError(t, f.ch.Enqueue(twice))
		require.NoError(t, f.ch.Enqueue(other))

		for i := 0; i < 3; i++ {
			p.write(contracts.NewAck(p.next()))
		}
		assert.Same(t, twice, await(t, f.rec.sent))
		assert.Same(t, twice, await(t, f.rec.sent))
		assert.Same(t, other, await(t, f.rec.sent))
		assertQuiet(t, f.rec.sent)
		assert.Zero(t, f.ch.Pending())
	})

	t.Run("letters sharing an id complete in order", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		first := contracts.NewLetter([]byte("1"))
		first.Options = contracts.OptionAck
		first.Normalize()
		second := contracts.NewLetter([]byte("2"))
		second.Options = contracts.OptionAck
		second.ID = first.ID
		require.NoError(t, f.ch.Enqueue(first))
		require.NoError(t, f.ch.Enqueue(second))

		g1, g2 := p.next(), p.next()
		require.Equal(t, g1.ID, g2.ID)
		p.write(contracts.NewAck(g1))
		assert.Same(t, first, await(t, f.rec.sent))
		assertQuiet(t, f.rec.sent)

		p.write(contracts.NewAck(g2))
		assert.Same(t, second, await(t, f.rec.sent))
	})

	t.Run("letters larger than a frame are rejected", func(t *testing.T) {
		opts := testOptions()
		opts.MaxFrameSize = 1024
		f := newOutboundFixture(t, opts)
		p := f.initialize(t)

		err := f.ch.Enqueue(contracts.NewLetter(make([]byte, 2048)))
		assert.ErrorIs(t, err, contracts.ErrFrameTooLarge)
		assert.Zero(t, f.ch.Pending())

		small := contracts.NewLetter([]byte("fits"))
		require.NoError(t, f.ch.Enqueue(small))
		assert.Equal(t, []byte("fits"), p.next().Parts[0])
		assert.Same(t, small, await(t, f.rec.sent))
	})

	t.Run("received letters are acked before they are surfaced", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		l := contracts.NewLetter([]byte("ping"))
		l.Options = contracts.OptionAck
		l.Normalize()
		p.write(l)

		ack := p.next()
		assert.Equal(t, contracts.TypeAck, ack.Type)
		assert.Equal(t, l.ID, ack.ID)

		got := await(t, f.rec.received)
		assert.Equal(t, [][]byte{[]byte("ping")}, got.Parts)
	})

	t.Run("received letters keep arrival order", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		for i := 0; i < 5; i++ {
			l := contracts.NewLetter([]byte{byte(i)})
			if i%2 == 0 {
				l.Options = contracts.OptionAck
			}
			l.Normalize()
			p.write(l)
		}

		for i := 0; i < 5; i++ {
			assert.Equal(t, []byte{byte(i)}, await(t, f.rec.received).Parts[0])
		}
	})

	t.Run("incoming batches are unpacked in order", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		batch, err := serialization.PackBatch([]*contracts.Letter{
			contracts.NewLetter([]byte("a")),
			contracts.NewLetter([]byte("b")),
		})
		require.NoError(t, err)
		p.write(batch)

		assert.Equal(t, []byte("a"), await(t, f.rec.received).Parts[0])
		assert.Equal(t, []byte("b"), await(t, f.rec.received).Parts[0])
	})
}

func TestChannelFailure(t *testing.T) {
	t.Run("pending letters fail in order and the channel reconnects", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		first := contracts.NewLetter([]byte("1"))
		first.Options = contracts.OptionAck
		second := contracts.NewLetter([]byte("2"))
		second.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(first))
		require.NoError(t, f.ch.Enqueue(second))
		p.next()
		p.next()

		require.NoError(t, p.conn.Close())

		err := await(t, f.rec.disconnected)
		assert.ErrorIs(t, err, contracts.ErrZeroRead)
		failed := await(t, f.rec.failed)
		require.Len(t, failed, 2)
		assert.Same(t, first, failed[0])
		assert.Same(t, second, failed[1])

		p2 := f.dial(t)
		await(t, f.rec.connected)
		p2.handshake()
		await(t, f.rec.initialized)
		assert.Equal(t, p2.nodeID, f.ch.RemoteNodeID())
	})

	t.Run("letters wait for the handshake after a reconnect", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		require.NoError(t, p.conn.Close())
		await(t, f.rec.disconnected)

		p2 := f.dial(t)
		await(t, f.rec.connected)
		hello := p2.next()
		require.Equal(t, contracts.TypeInitialize, hello.Type)
		require.Equal(t, StateConnected, f.ch.State())

		l := contracts.NewLetter([]byte("resent"))
		assert.ErrorIs(t, f.ch.Enqueue(l), contracts.ErrNotInitialized)
		assertQuiet(t, p2.frames)

		p2.write(contracts.NewAck(hello))
		ours := contracts.NewInitialize(p2.nodeID)
		p2.write(ours)
		assert.Equal(t, ours.ID, p2.next().ID)
		await(t, f.rec.initialized)

		require.NoError(t, f.ch.Enqueue(l))
		assert.Equal(t, []byte("resent"), p2.next().Parts[0])
		assert.Same(t, l, await(t, f.rec.sent))
	})

	t.Run("remote shutdown disconnects", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		p.write(contracts.NewShutdown())
		assert.ErrorIs(t, await(t, f.rec.disconnected), contracts.ErrRemoteShutdown)
		assert.ErrorIs(t, f.ch.Enqueue(contracts.NewLetter()), contracts.ErrNotInitialized)
	})

	t.Run("inbound channels do not reconnect", func(t *testing.T) {
		rec := newRecorder()
		local, remote := net.Pipe()
		ch := NewInbound(contracts.NewBinding("127.0.0.1", 7001), local, rec.handler(), testOptions())
		defer ch.Dispose()

		ch.Start()
		p := newPeer(t, remote)
		await(t, rec.connected)
		p.handshake()
		await(t, rec.initialized)

		require.NoError(t, remote.Close())
		await(t, rec.disconnected)
		assertQuiet(t, rec.connected)
		assert.Equal(t, StateDisconnected, ch.State())
	})
}

func TestChannelShutdownAndDispose(t *testing.T) {
	t.Run("Shutdown writes the notice", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- f.ch.Shutdown(ctx) }()

		assert.Equal(t, contracts.TypeShutdown, p.next().Type)
		assert.NoError(t, await(t, done))
	})

	t.Run("Shutdown on a closed channel is a no-op", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		assert.NoError(t, f.ch.Shutdown(context.Background()))
	})

	t.Run("Dispose fails pending letters and rejects new ones", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		p := f.initialize(t)

		l := contracts.NewLetter([]byte("never acked"))
		l.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(l))
		p.next()

		f.ch.Dispose()
		f.ch.Dispose()

		assert.ErrorIs(t, await(t, f.rec.disconnected), contracts.ErrChannelDisposed)
		failed := await(t, f.rec.failed)
		require.Len(t, failed, 1)
		assert.Same(t, l, failed[0])

		assert.Equal(t, StateDisposed, f.ch.State())
		assert.ErrorIs(t, f.ch.Enqueue(contracts.NewLetter()), contracts.ErrChannelDisposed)
	})

	t.Run("Dispose stops a pending reconnect", func(t *testing.T) {
		f := newOutboundFixture(t, testOptions())
		f.ch.Start()

		done := make(chan struct{})
		go func() {
			f.ch.Dispose()
			close(done)
		}()
		await(t, done)
		assert.Equal(t, StateDisposed, f.ch.State())
	})

	t.Run("Dispose racing a successful dial leaves no connection behind", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			f := newOutboundFixture(t, testOptions())
			f.ch.Start()

			local, remote := net.Pipe()
			t.Cleanup(func() { _ = remote.Close() })
			p := newPeer(t, remote)
			f.conns <- local
			f.ch.Dispose()

			// the dial may have lost the race and left the conn unclaimed
			select {
			case c := <-f.conns:
				_ = c.Close()
			default:
			}

			assert.Equal(t, StateDisposed, f.ch.State())
			require.Eventually(t, func() bool {
				for {
					select {
					case _, ok := <-p.frames:
						if !ok {
							return true
						}
					default:
						return false
					}
				}
			}, waitTimeout, 5*time.Millisecond, "connection left open after Dispose")

			select {
			case <-f.rec.connected:
				assert.ErrorIs(t, await(t, f.rec.disconnected), contracts.ErrChannelDisposed)
			default:
			}
			assertQuiet(t, f.rec.initialized)
			assert.ErrorIs(t, f.ch.Enqueue(contracts.NewLetter()), contracts.ErrChannelDisposed)
		}
	})
}

func TestChannelHeartbeat(t *testing.T) {
	newIdle := func(t *testing.T) (*peer, *clock.Mock, *fixture) {
		mock := clock.NewMock()
		opts := testOptions()
		opts.Clock = mock
		opts.HeartbeatInterval = time.Second

		f := newOutboundFixture(t, opts)
		f.ch.Start()
		p := f.dial(t)
		await(t, f.rec.connected)
		p.handshake()
		await(t, f.rec.initialized)
		return p, mock, f
	}
	firstBeat := func(t *testing.T, p *peer, mock *clock.Mock) {
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			select {
			case l := <-p.frames:
				return l.Type == contracts.TypeHeartbeat
			default:
				return false
			}
		}, waitTimeout, 10*time.Millisecond)
	}

	t.Run("an idle link gets heartbeats", func(t *testing.T) {
		p, mock, f := newIdle(t)
		firstBeat(t, p, mock)
		assertQuiet(t, f.rec.received)
	})

	t.Run("heartbeats fire on every idle tick", func(t *testing.T) {
		p, mock, _ := newIdle(t)
		firstBeat(t, p, mock)

		// let beats from ticks issued while waiting settle
		for drained := false; !drained; {
			select {
			case <-p.frames:
			case <-time.After(50 * time.Millisecond):
				drained = true
			}
		}

		for i := 0; i < 3; i++ {
			mock.Add(time.Second)
			select {
			case l := <-p.frames:
				assert.Equal(t, contracts.TypeHeartbeat, l.Type)
			case <-time.After(waitTimeout):
				t.Fatalf("no heartbeat on idle tick %d", i)
			}
		}
	})
}

func TestChannelBatching(t *testing.T) {
	newBatching := func(t *testing.T, maxLetters int, tweaks ...func(*Options)) (*fixture, *peer, *clock.Mock) {
		mock := clock.NewMock()
		opts := testOptions()
		opts.Clock = mock
		opts.Batch = BatchOptions{
			Enabled:           true,
			ExtendInterval:    5 * time.Millisecond,
			MaxExtendInterval: 50 * time.Millisecond,
			MaxLetters:        maxLetters,
		}
		for _, tweak := range tweaks {
			tweak(&opts)
		}
		f := newOutboundFixture(t, opts)
		return f, f.initialize(t), mock
	}

	t.Run("flushes after the extend interval", func(t *testing.T) {
		f, p, mock := newBatching(t, 100)

		letters := []*contracts.Letter{
			contracts.NewLetter([]byte("a")),
			contracts.NewLetter([]byte("b")),
			contracts.NewLetter([]byte("c")),
		}
		for _, l := range letters {
			require.NoError(t, f.ch.Enqueue(l))
		}
		assert.Equal(t, 3, f.ch.Pending())

		mock.Add(5 * time.Millisecond)

		batch := p.next()
		require.Equal(t, contracts.TypeBatch, batch.Type)
		inner, err := serialization.UnpackBatch(batch)
		require.NoError(t, err)
		require.Len(t, inner, 3)
		assert.Equal(t, []byte("c"), inner[2].Parts[0])

		for _, l := range letters {
			assert.Same(t, l, await(t, f.rec.sent))
		}
	})

	t.Run("flushes immediately at the size limit", func(t *testing.T) {
		f, p, _ := newBatching(t, 2)

		require.NoError(t, f.ch.Enqueue(contracts.NewLetter([]byte("a"))))
		require.NoError(t, f.ch.Enqueue(contracts.NewLetter([]byte("b"))))

		batch := p.next()
		assert.Equal(t, contracts.TypeBatch, batch.Type)
		assert.Len(t, batch.Parts, 2)
	})

	t.Run("the max extend interval bounds the wait", func(t *testing.T) {
		f, p, mock := newBatching(t, 100)

		// each enqueue lands before the extend interval runs out
		for i := 0; i < 12; i++ {
			require.NoError(t, f.ch.Enqueue(contracts.NewLetter([]byte{byte(i)})))
			mock.Add(4 * time.Millisecond)
		}
		assertQuiet(t, p.frames)

		mock.Add(4 * time.Millisecond)
		batch := p.next()
		assert.Equal(t, contracts.TypeBatch, batch.Type)
		assert.Len(t, batch.Parts, 12)
	})

	t.Run("only one batch is in flight", func(t *testing.T) {
		f, p, mock := newBatching(t, 100)

		first := contracts.NewLetter([]byte("1"))
		first.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(first))
		mock.Add(5 * time.Millisecond)
		b1 := p.next()
		assert.True(t, b1.Options.Has(contracts.OptionAck))

		require.NoError(t, f.ch.Enqueue(contracts.NewLetter([]byte("2"))))
		mock.Add(5 * time.Millisecond)
		select {
		case l := <-p.frames:
			t.Fatalf("second batch sent before the first completed: %v", l.Type)
		case <-time.After(50 * time.Millisecond):
		}

		p.write(contracts.NewAck(b1))
		assert.Same(t, first, await(t, f.rec.sent))

		b2 := p.next()
		inner, err := serialization.UnpackBatch(b2)
		require.NoError(t, err)
		require.Len(t, inner, 1)
		assert.Equal(t, []byte("2"), inner[0].Parts[0])
	})

	t.Run("a max extend flush waits for the outstanding batch", func(t *testing.T) {
		f, p, mock := newBatching(t, 100)

		first := contracts.NewLetter([]byte("first"))
		first.Options = contracts.OptionAck
		require.NoError(t, f.ch.Enqueue(first))
		mock.Add(5 * time.Millisecond)
		b1 := p.next()

		// enqueues 4ms apart keep the extend timer from firing, so only the
		// max extend deadline at 50ms passes
		for i := 0; i < 13; i++ {
			require.NoError(t, f.ch.Enqueue(contracts.NewLetter([]byte{byte(i)})))
			mock.Add(4 * time.Millisecond)
		}
		assertQuiet(t, p.frames)
		// the 13 held letters plus the unacked first one
		assert.Equal(t, 14, f.ch.Pending())

		p.write(contracts.NewAck(b1))
		assert.Same(t, first, await(t, f.rec.sent))

		b2 := p.next()
		inner, err := serialization.UnpackBatch(b2)
		require.NoError(t, err)
		assert.Len(t, inner, 13)
	})

	t.Run("batches stay within the frame limit", func(t *testing.T) {
		f, p, _ := newBatching(t, 100, func(o *Options) { o.MaxFrameSize = 1024 })

		// alone it fits a frame but not a batch frame
		err := f.ch.Enqueue(contracts.NewLetter(make([]byte, 1000)))
		assert.ErrorIs(t, err, contracts.ErrFrameTooLarge)

		// 318 bytes each once batched, so three fit in 1024 and four do not
		for i := 0; i < 4; i++ {
			require.NoError(t, f.ch.Enqueue(contracts.NewLetter(make([]byte, 300))))
		}

		b1 := p.next()
		assert.Len(t, b1.Parts, 3)
		size, err := serialization.EncodedSize(b1)
		require.NoError(t, err)
		assert.LessOrEqual(t, size, 1024)

		b2 := p.next()
		assert.Len(t, b2.Parts, 1)
		for i := 0; i < 4; i++ {
			await(t, f.rec.sent)
		}
	})

	t.Run("unsent batch letters fail on disconnect", func(t *testing.T) {
		f, p, _ := newBatching(t, 100)

		l := contracts.NewLetter([]byte("held"))
		require.NoError(t, f.ch.Enqueue(l))
		require.NoError(t, p.conn.Close())

		await(t, f.rec.disconnected)
		failed := await(t, f.rec.failed)
		require.Len(t, failed, 1)
		assert.Same(t, l, failed[0])
	})
}
