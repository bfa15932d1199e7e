// Copyright 2024 Postbox Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/internal/channel"
	"github.com/glimte/postbox-go/internal/transport"
)

// ChannelState is the lifecycle state of a channel
type ChannelState = channel.State

// Direction tells whether a channel was dialed or accepted
type Direction = channel.Direction

const (
	StateCreated      = channel.StateCreated
	StateConnecting   = channel.StateConnecting
	StateConnected    = channel.StateConnected
	StateInitialized  = channel.StateInitialized
	StateDisconnected = channel.StateDisconnected
	StateDisposed     = channel.StateDisposed
)

const (
	Outbound = channel.Outbound
	Inbound  = channel.Inbound
)

// ChannelInfo describes one channel of a socket
type ChannelInfo struct {
	Binding      Binding
	Direction    Direction
	State        ChannelState
	RemoteNodeID uuid.UUID
	Pending      int
}

// Socket owns channels and listeners and schedules letters across them
type Socket struct {
	cfg      *socketConfig
	logger   *slog.Logger
	events   EventListener
	dedup    *lru.Cache[uuid.UUID, struct{}]
	sched    *scheduler
	handler  channel.Handler
	chanOpts channel.Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	channels  map[Binding]*channel.Channel
	listeners map[Binding]*transport.Listener
}

// NewSocket creates a socket. It neither listens nor connects until Bind or
// Connect is called.
func NewSocket(options ...Option) (*Socket, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid socket options: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		cfg:       cfg,
		logger:    cfg.logger.With("node", cfg.nodeID.String()),
		events:    cfg.listeners,
		sched:     newScheduler(),
		chanOpts:  cfg.channelOptions(),
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[Binding]*channel.Channel),
		listeners: make(map[Binding]*transport.Listener),
	}
	s.handler = channelEvents{s}

	if cfg.dedupCacheSize > 0 {
		cache, err := lru.New[uuid.UUID, struct{}](cfg.dedupCacheSize)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create dedup cache: %w", err)
		}
		s.dedup = cache
	}

	if cfg.healthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthSweep()
	}

	return s, nil
}

// NodeID returns the identity this socket announces
func (s *Socket) NodeID() uuid.UUID {
	return s.cfg.nodeID
}

// Bind listens on address and port. Port 0 picks an ephemeral port; the
// returned binding carries the port actually bound.
func (s *Socket) Bind(address string, port int) (Binding, error) {
	b := NewBinding(address, port)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Binding{}, contracts.ErrSocketClosed
	}
	if _, ok := s.listeners[b]; ok && port != 0 {
		return Binding{}, fmt.Errorf("%w: %s", contracts.ErrAlreadyBound, b)
	}

	ln, err := transport.Listen(s.ctx, b, s.accept, s.logger)
	if err != nil {
		return Binding{}, err
	}

	bound := ln.Binding()
	s.listeners[bound] = ln
	s.logger.Info("listening", "binding", bound.String())
	return bound, nil
}

// Connect opens an outbound channel to address and port. It returns
// immediately; the channel keeps dialing until it succeeds.
func (s *Socket) Connect(address string, port int) error {
	b := NewBinding(address, port)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return contracts.ErrSocketClosed
	}
	if _, ok := s.channels[b]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrAlreadyConnected, b)
	}

	ch := channel.NewOutbound(b, s.handler, s.chanOpts)
	s.channels[b] = ch
	s.mu.Unlock()

	s.logger.Info("connecting", "binding", b.String())
	ch.Start()
	return nil
}

// Disconnect closes the channel and the listener registered for address
// and port. Letters still pending on the channel take the failure path.
func (s *Socket) Disconnect(address string, port int) error {
	b := NewBinding(address, port)

	s.mu.Lock()
	ch, hasChannel := s.channels[b]
	delete(s.channels, b)
	ln, hasListener := s.listeners[b]
	delete(s.listeners, b)
	s.mu.Unlock()

	if !hasChannel && !hasListener {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownBinding, b)
	}

	var errs error
	if hasChannel {
		s.sched.remove(ch)
		if ch.IsInitialized() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownGracePeriod)
			if err := ch.Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", b, err))
			}
			cancel()
		}
		ch.Dispose()
	}
	if hasListener {
		errs = multierr.Append(errs, ln.Close())
	}

	s.logger.Info("disconnected", "binding", b.String())
	return errs
}

// Send schedules a letter. Multicast letters go to every channel right away;
// other letters wait for the next available channel.
func (s *Socket) Send(l *Letter) error {
	if l == nil {
		return contracts.ErrNilLetter
	}
	if s.isClosed() {
		return contracts.ErrSocketClosed
	}

	// Normalize once so that channels sharing a multicast letter only read it.
	l.Normalize()
	if _, err := s.chanOpts.CheckSize(l); err != nil {
		return err
	}

	if l.Options.Has(contracts.OptionMulticast) {
		s.multicast(l)
		return nil
	}

	s.sched.push(l)
	s.dispatch()
	return nil
}

// Pending returns the number of letters waiting for a channel
func (s *Socket) Pending() int {
	return s.sched.pendingLen()
}

// Channels describes every channel the socket owns
func (s *Socket) Channels() []ChannelInfo {
	s.mu.Lock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ChannelInfo{
			Binding:      ch.Binding(),
			Direction:    ch.Direction(),
			State:        ch.State(),
			RemoteNodeID: ch.RemoteNodeID(),
			Pending:      ch.Pending(),
		})
	}
	return infos
}

// Close notifies connected peers, disposes every channel, stops listening
// and discards letters that were never dispatched
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	lns := make([]*transport.Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		lns = append(lns, ln)
	}
	clear(s.channels)
	clear(s.listeners)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	var errs error
	for _, ln := range lns {
		errs = multierr.Append(errs, ln.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownGracePeriod)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	for _, ch := range channels {
		if !ch.IsInitialized() {
			continue
		}
		g.Go(func() error {
			if err := ch.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", ch.Binding(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, ch := range channels {
		s.sched.remove(ch)
		ch.Dispose()
	}

	for _, l := range s.sched.drain() {
		s.discard(Binding{}, l, contracts.ErrSocketClosed)
	}

	s.logger.Info("socket closed", "channels", len(channels), "listeners", len(lns))
	return errs
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// accept registers an inbound channel for a freshly accepted connection
func (s *Socket) accept(conn net.Conn) {
	b := contracts.BindingFromAddr(conn.RemoteAddr())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if _, ok := s.channels[b]; ok {
		s.mu.Unlock()
		s.logger.Warn("rejecting duplicate inbound connection", "binding", b.String())
		_ = conn.Close()
		return
	}
	ch := channel.NewInbound(b, conn, s.handler, s.chanOpts)
	s.channels[b] = ch
	s.mu.Unlock()

	ch.Start()
}

// dispatch hands pending letters to ready channels until one side runs out
func (s *Socket) dispatch() {
	for {
		ch, l, ok := s.sched.next()
		if !ok {
			return
		}

		err := ch.Enqueue(l)
		switch {
		case err == nil:
			s.markReady(ch)
		case errors.Is(err, contracts.ErrNotInitialized), errors.Is(err, contracts.ErrChannelDisposed):
			// The channel stopped being usable between pairing and enqueue. It
			// re-enters the ready queue when it initializes again.
			s.sched.pushFront(l)
		default:
			s.logger.Error("unexpected enqueue failure", "binding", ch.Binding().String(), "error", err)
			s.discard(ch.Binding(), l, err)
			s.markReady(ch)
		}
	}
}

// markReady returns ch to the ready queue unless it failed or is still
// completing a new handshake
func (s *Socket) markReady(ch *channel.Channel) {
	if ch.IsInitialized() {
		s.sched.markReady(ch)
	}
}

// multicast offers l to every channel once
func (s *Socket) multicast(l *Letter) {
	s.mu.Lock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		if !ch.IsInitialized() {
			s.discard(ch.Binding(), l, contracts.ErrNotInitialized)
			continue
		}
		if err := ch.Enqueue(l); err != nil {
			s.discard(ch.Binding(), l, err)
		}
	}
}

// fail applies the requeue-or-discard policy to letters a channel gave back
func (s *Socket) fail(b Binding, letters []*Letter) {
	closed := s.isClosed()
	cause := contracts.ErrNotInitialized
	if closed {
		cause = contracts.ErrSocketClosed
	}

	var requeue []*Letter
	for _, l := range letters {
		if closed || l.Options.Has(contracts.OptionMulticast) || !l.Options.Has(contracts.OptionRequeue) {
			s.discard(b, l, cause)
			continue
		}
		requeue = append(requeue, l)
	}
	if len(requeue) == 0 {
		return
	}

	s.sched.pushFront(requeue...)
	for _, l := range requeue {
		s.logger.Debug("letter requeued", "binding", b.String(), "letterId", l.ID.String())
		s.events.OnRequeued(b, l)
	}
	s.dispatch()
}

func (s *Socket) discard(b Binding, l *Letter, cause error) {
	s.logger.Debug("letter discarded",
		"type", l.Type.String(),
		"error", &contracts.DeliveryError{Binding: b, LetterID: l.ID, Err: cause})
	if l.Options.Has(contracts.OptionSilentDiscard) {
		s.events.OnDiscarded(b, l)
	}
}

// duplicate reports whether a letter with the same id was surfaced recently
func (s *Socket) duplicate(l *Letter) bool {
	if s.dedup == nil || !l.Options.Has(contracts.OptionUniqueID) {
		return false
	}
	seen, _ := s.dedup.ContainsOrAdd(l.ID, struct{}{})
	return seen
}

func (s *Socket) healthSweep() {
	defer s.wg.Done()

	ticker := s.cfg.clock.Ticker(s.cfg.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		channels := make([]*channel.Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			channels = append(channels, ch)
		}
		s.mu.Unlock()

		for _, ch := range channels {
			if err := ch.CheckHealth(); err != nil {
				s.logger.Warn("health check failed", "binding", ch.Binding().String(), "error", err)
			}
		}
	}
}

// channelEvents turns channel callbacks into scheduling decisions and
// socket events
type channelEvents struct {
	s *Socket
}

func (h channelEvents) ChannelConnected(c *channel.Channel) {
	h.s.events.OnConnected(c.Binding())
}

func (h channelEvents) ChannelInitialized(c *channel.Channel) {
	s := h.s
	if !s.isClosed() {
		s.sched.markReady(c)
	}
	s.events.OnInitialized(c.Binding(), c.RemoteNodeID())
	s.dispatch()
}

func (h channelEvents) ChannelDisconnected(c *channel.Channel, err error) {
	s := h.s
	s.sched.remove(c)
	s.events.OnDisconnected(c.Binding(), err)

	if c.Direction() != channel.Inbound {
		return
	}

	s.mu.Lock()
	if s.channels[c.Binding()] == c {
		delete(s.channels, c.Binding())
	}
	s.mu.Unlock()
	c.Dispose()
}

func (h channelEvents) LetterReceived(c *channel.Channel, l *contracts.Letter) {
	if h.s.duplicate(l) {
		h.s.logger.Debug("duplicate letter dropped", "binding", c.Binding().String(), "letterId", l.ID.String())
		return
	}
	h.s.events.OnReceived(c.Binding(), l)
}

func (h channelEvents) LetterSent(c *channel.Channel, l *contracts.Letter) {
	h.s.events.OnSent(c.Binding(), l)
}

func (h channelEvents) LettersFailed(c *channel.Channel, letters []*contracts.Letter) {
	h.s.fail(c.Binding(), letters)
}
