package channel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/internal/transport"
	"github.com/glimte/postbox-go/serialization"
)

// Channel is one logical connection to a peer
type Channel struct {
	binding   contracts.Binding
	direction Direction
	handler   Handler
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *eventQueue

	mu           sync.Mutex
	state        State
	generation   uint64
	conn         net.Conn // accepted connection not yet started
	session      *transport.Session
	remoteNodeID uuid.UUID
	initAcked    bool // peer acknowledged our Initialize
	peerAcked    bool // our ack of the peer's Initialize was written
	heartbeat    chan struct{}
	outgoing     deliveryQueue
	incoming     deliveryQueue
	byLetter     pendingMap[*contracts.Letter]
	awaitingAck  pendingMap[uuid.UUID]
	batcher      *batcher
	releases     []func()
}

// NewOutbound creates a channel that dials binding once started
func NewOutbound(binding contracts.Binding, handler Handler, opts Options) *Channel {
	return newChannel(binding, Outbound, nil, handler, opts)
}

// NewInbound creates a channel for an accepted connection
func NewInbound(binding contracts.Binding, conn net.Conn, handler Handler, opts Options) *Channel {
	return newChannel(binding, Inbound, conn, handler, opts)
}

func newChannel(binding contracts.Binding, dir Direction, conn net.Conn, handler Handler, opts Options) *Channel {
	opts = opts.withDefaults()
	if handler == nil {
		handler = HandlerFuncs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		binding:     binding,
		direction:   dir,
		handler:     handler,
		opts:        opts,
		logger:      opts.Logger.With("binding", binding.String(), "direction", dir.String()),
		ctx:         ctx,
		cancel:      cancel,
		events:      newEventQueue(),
		state:       StateCreated,
		conn:        conn,
		byLetter:    make(pendingMap[*contracts.Letter]),
		awaitingAck: make(pendingMap[uuid.UUID]),
	}
	c.batcher = newBatcher(opts.Batch, opts.frameLimit(), opts.Clock, c.onBatchTimer)
	return c
}

// Binding returns the remote endpoint of the channel
func (c *Channel) Binding() contracts.Binding {
	return c.binding
}

// Direction returns who opened the connection
func (c *Channel) Direction() Direction {
	return c.direction
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsInitialized reports whether the handshake completed on the current
// connection
func (c *Channel) IsInitialized() bool {
	return c.State() == StateInitialized
}

// RemoteNodeID returns the node id announced by the peer, or uuid.Nil
func (c *Channel) RemoteNodeID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeID
}

// Pending returns the number of user letters accepted but not yet sent
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.batcher.len()
	for _, d := range c.outgoing.items {
		n += len(d.userLetters())
	}
	return n
}

// Start connects an outbound channel or starts serving an inbound one
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return
	}

	if c.direction == Inbound {
		conn := c.conn
		c.conn = nil
		c.attachLocked(conn)
		return
	}

	c.state = StateConnecting
	c.wg.Add(1)
	go c.connect()
}

// Enqueue accepts a letter for transmission once the channel is initialized.
// Letters that cannot be written as a single frame are rejected with
// ErrFrameTooLarge. It never blocks and never calls the handler synchronously.
func (c *Channel) Enqueue(l *contracts.Letter) error {
	if l == nil {
		return contracts.ErrNilLetter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return contracts.ErrChannelDisposed
	}
	if c.state != StateInitialized {
		return contracts.ErrNotInitialized
	}

	l.Normalize()
	size, err := c.opts.CheckSize(l)
	if err != nil {
		return err
	}
	if c.opts.Batch.Enabled && l.Type == contracts.TypeUser {
		if c.batcher.add(l, size) {
			c.flushBatchLocked()
		}
		return nil
	}

	c.sendLocked(l, nil)
	return nil
}

// Shutdown tells the peer this side is going away and waits until the
// notice was written, the connection failed, or ctx ended
func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.IsOpen() {
		c.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	release := sync.OnceFunc(func() { close(done) })
	c.releases = append(c.releases, release)

	l := contracts.NewShutdown()
	c.byLetter.add(l, &delivery{letter: l, done: release})
	c.session.Send(l)
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckHealth probes the connection and fails it when the peer is gone
func (c *Channel) CheckHealth() error {
	c.mu.Lock()
	if !c.state.IsOpen() || c.session == nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	conn := c.session.Conn()
	c.mu.Unlock()

	if err := transport.Probe(conn); err != nil {
		c.fail(gen, &contracts.SocketError{Op: "probe", Binding: c.binding, Err: err, Timestamp: time.Now()})
		return err
	}
	return nil
}

// Dispose closes the connection, stops reconnecting and fails every pending
// letter. It waits for the channel's goroutines, so it must not be called
// while holding a lock the handler takes.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}

	wasOpen := c.state.IsOpen()
	c.generation++
	c.state = StateDisposed
	c.cancel()

	sess := c.session
	c.session = nil
	if sess != nil {
		sess.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	failed := c.resetLocked()
	if wasOpen {
		c.emit(func() { c.handler.ChannelDisconnected(c, contracts.ErrChannelDisposed) })
	}
	if len(failed) > 0 {
		c.emit(func() { c.handler.LettersFailed(c, failed) })
	}
	c.events.close()
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Wait(context.Background())
	}
	c.wg.Wait()
	c.logger.Debug("channel disposed")
}

// connect dials until it succeeds or the channel is disposed
func (c *Channel) connect() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	connector := transport.NewConnector(c.binding,
		transport.WithRetryInterval(c.opts.ReconnectInterval),
		transport.WithDialFunc(c.opts.Dial),
		transport.WithClock(c.opts.Clock),
		transport.WithLogger(c.logger))

	conn, err := connector.Connect(c.ctx)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachLocked(conn)
}

// attachLocked starts a new generation on conn and sends our Initialize
func (c *Channel) attachLocked(conn net.Conn) {
	if c.state == StateDisposed || conn == nil {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	c.generation++
	gen := c.generation
	c.state = StateConnected
	c.initAcked = false
	c.peerAcked = false

	c.session = transport.NewSession(conn, transport.Config{
		Binding:        c.binding,
		ReadBufferSize: c.opts.ReadBufferSize,
		MaxFrameSize:   c.opts.MaxFrameSize,
		WriteTimeout:   c.opts.WriteTimeout,
		Logger:         c.logger,
	}, transport.Hooks{
		Received: func(l *contracts.Letter) { c.onReceived(gen, l) },
		Sent:     func(l *contracts.Letter) { c.onSent(gen, l) },
		Failed:   func(err error) { c.fail(gen, err) },
	})

	c.logger.Debug("channel connected", "generation", gen)
	c.emit(func() { c.handler.ChannelConnected(c) })

	hello := contracts.NewInitialize(c.opts.NodeID)
	c.awaitingAck.add(hello.ID, &delivery{letter: hello, done: func() {
		c.initAcked = true
		c.handshakeLocked(gen)
	}})
	c.session.Send(hello)
	c.session.Start(c.ctx)
}

func (c *Channel) currentLocked(gen uint64) bool {
	return gen == c.generation && c.session != nil && c.state.IsOpen()
}

func (c *Channel) handshakeLocked(gen uint64) {
	if !c.initAcked || !c.peerAcked || c.state != StateConnected {
		return
	}

	c.state = StateInitialized
	c.startHeartbeatLocked(gen)
	c.logger.Info("channel initialized", "remote_node", c.remoteNodeID.String())
	c.emit(func() { c.handler.ChannelInitialized(c) })
}

func (c *Channel) onReceived(gen uint64, l *contracts.Letter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(gen) {
		return
	}

	switch l.Type {
	case contracts.TypeAck:
		if d, ok := c.awaitingAck.pop(l.ID); ok {
			c.completeLocked(d)
		}

	case contracts.TypeInitialize:
		nodeID, err := l.NodeID()
		if err != nil {
			c.failLocked(&contracts.ProtocolError{Op: "initialize", Err: err})
			return
		}
		c.remoteNodeID = nodeID
		c.ackLocked(l, &delivery{letter: l, done: func() {
			c.peerAcked = true
			c.handshakeLocked(gen)
		}})

	case contracts.TypeShutdown:
		c.failLocked(contracts.ErrRemoteShutdown)

	case contracts.TypeBatch:
		letters, err := serialization.UnpackBatch(l)
		if err != nil {
			c.failLocked(&contracts.ProtocolError{Op: "unpack batch", Err: err})
			return
		}
		c.receiveLocked(&delivery{letter: l, letters: letters})

	case contracts.TypeUser:
		c.receiveLocked(&delivery{letter: l})
	}
}

// receiveLocked queues an incoming user delivery. If it asks for an ack,
// it is surfaced once the ack has been written.
func (c *Channel) receiveLocked(d *delivery) {
	c.incoming.push(d)
	if d.letter.Options.Has(contracts.OptionAck) {
		d.waiting = 1
		c.ackLocked(d.letter, d)
		return
	}
	c.drainLocked()
}

func (c *Channel) ackLocked(of *contracts.Letter, d *delivery) {
	ack := contracts.NewAck(of)
	c.byLetter.add(ack, d)
	c.session.Send(ack)
}

func (c *Channel) onSent(gen uint64, l *contracts.Letter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(gen) {
		return
	}

	if d, ok := c.byLetter.pop(l); ok {
		c.completeLocked(d)
	}
}

func (c *Channel) completeLocked(d *delivery) {
	if d.done != nil {
		d.done()
		return
	}
	d.waiting--
	c.drainLocked()
}

// drainLocked surfaces completed deliveries in order
func (c *Channel) drainLocked() {
	for _, d := range c.incoming.drain() {
		for _, l := range d.userLetters() {
			c.emit(func() { c.handler.LetterReceived(c, l) })
		}
	}

	flush := false
	for _, d := range c.outgoing.drain() {
		for _, l := range d.userLetters() {
			c.emit(func() { c.handler.LetterSent(c, l) })
		}
		if d.letters != nil && c.batcher.complete() {
			flush = true
		}
	}
	if flush {
		c.flushBatchLocked()
	}
}

// sendLocked registers an outgoing user or batch letter and hands it to the
// transmitter
func (c *Channel) sendLocked(l *contracts.Letter, constituents []*contracts.Letter) {
	d := &delivery{letter: l, letters: constituents, waiting: 1}
	if l.Options.Has(contracts.OptionAck) {
		d.waiting = 2
		c.awaitingAck.add(l.ID, d)
	}
	c.byLetter.add(l, d)
	c.outgoing.push(d)
	c.session.Send(l)
}

func (c *Channel) onBatchTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsOpen() || c.session == nil {
		return
	}
	c.flushBatchLocked()
}

func (c *Channel) flushBatchLocked() {
	letters := c.batcher.take()
	if len(letters) == 0 {
		return
	}

	batch, err := serialization.PackBatch(letters)
	if err != nil {
		c.batcher.complete()
		c.logger.Error("failed to pack batch", "letters", len(letters), "error", err)
		c.emit(func() { c.handler.LettersFailed(c, letters) })
		return
	}
	c.sendLocked(batch, letters)
}

func (c *Channel) startHeartbeatLocked(gen uint64) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	c.heartbeat = stop
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatInterval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.beat(gen)
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// beat sends a heartbeat if nothing crossed the connection since the last
// tick
func (c *Channel) beat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(gen) || c.state != StateInitialized {
		return
	}
	if c.session.Activity().Reset() {
		return
	}
	c.session.Send(contracts.NewHeartbeat())
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		close(c.heartbeat)
		c.heartbeat = nil
	}
}

// fail ends the connection of generation gen
func (c *Channel) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(gen) {
		return
	}
	c.failLocked(err)
}

func (c *Channel) failLocked(err error) {
	if errors.Is(err, contracts.ErrRemoteShutdown) {
		c.logger.Info("remote endpoint shut down")
	} else {
		c.logger.Warn("channel connection lost", "error", err)
	}

	c.state = StateDisconnected
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}

	failed := c.resetLocked()
	c.emit(func() { c.handler.ChannelDisconnected(c, err) })
	if len(failed) > 0 {
		c.emit(func() { c.handler.LettersFailed(c, failed) })
	}

	if c.direction == Outbound {
		c.wg.Add(1)
		go c.connect()
	}
}

// resetLocked clears per-connection state and returns the user letters that
// were accepted but not sent, in order
func (c *Channel) resetLocked() []*contracts.Letter {
	c.stopHeartbeatLocked()

	var failed []*contracts.Letter
	for _, d := range c.outgoing.reset() {
		failed = append(failed, d.userLetters()...)
	}
	failed = append(failed, c.batcher.reset()...)

	c.incoming.reset()
	clear(c.byLetter)
	clear(c.awaitingAck)
	c.initAcked = false
	c.peerAcked = false

	for _, release := range c.releases {
		release()
	}
	c.releases = nil

	return failed
}

func (c *Channel) emit(fn func()) {
	c.events.push(fn)
}
