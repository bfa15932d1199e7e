package postbox

import (
	"github.com/google/uuid"

	"github.com/glimte/postbox-go/contracts"
)

// EventListener observes a socket. Methods are called from channel event
// goroutines, or from Send for multicast discards, and should return quickly.
type EventListener interface {
	OnConnected(b Binding)
	OnDisconnected(b Binding, err error)
	OnInitialized(b Binding, remoteNodeID uuid.UUID)
	OnReceived(b Binding, l *Letter)
	OnSent(b Binding, l *Letter)
	// OnDiscarded is only called for letters with the SilentDiscard option
	OnDiscarded(b Binding, l *Letter)
	OnRequeued(b Binding, l *Letter)
}

// EventFuncs adapts plain functions to EventListener. Nil fields are ignored.
type EventFuncs struct {
	Connected    func(b Binding)
	Disconnected func(b Binding, err error)
	Initialized  func(b Binding, remoteNodeID uuid.UUID)
	Received     func(b Binding, l *Letter)
	Sent         func(b Binding, l *Letter)
	Discarded    func(b Binding, l *Letter)
	Requeued     func(b Binding, l *Letter)
}

func (f EventFuncs) OnConnected(b Binding) {
	if f.Connected != nil {
		f.Connected(b)
	}
}

func (f EventFuncs) OnDisconnected(b Binding, err error) {
	if f.Disconnected != nil {
		f.Disconnected(b, err)
	}
}

func (f EventFuncs) OnInitialized(b Binding, remoteNodeID uuid.UUID) {
	if f.Initialized != nil {
		f.Initialized(b, remoteNodeID)
	}
}

func (f EventFuncs) OnReceived(b Binding, l *Letter) {
	if f.Received != nil {
		f.Received(b, l)
	}
}

func (f EventFuncs) OnSent(b Binding, l *Letter) {
	if f.Sent != nil {
		f.Sent(b, l)
	}
}

func (f EventFuncs) OnDiscarded(b Binding, l *Letter) {
	if f.Discarded != nil {
		f.Discarded(b, l)
	}
}

func (f EventFuncs) OnRequeued(b Binding, l *Letter) {
	if f.Requeued != nil {
		f.Requeued(b, l)
	}
}

// listeners fans events out to every registered listener
type listeners []EventListener

func (ls listeners) OnConnected(b Binding) {
	for _, l := range ls {
		l.OnConnected(b)
	}
}

func (ls listeners) OnDisconnected(b Binding, err error) {
	for _, l := range ls {
		l.OnDisconnected(b, err)
	}
}

func (ls listeners) OnInitialized(b Binding, remoteNodeID uuid.UUID) {
	for _, l := range ls {
		l.OnInitialized(b, remoteNodeID)
	}
}

func (ls listeners) OnReceived(b Binding, letter *Letter) {
	for _, l := range ls {
		l.OnReceived(b, letter)
	}
}

func (ls listeners) OnSent(b Binding, letter *Letter) {
	for _, l := range ls {
		l.OnSent(b, letter)
	}
}

func (ls listeners) OnDiscarded(b Binding, letter *Letter) {
	for _, l := range ls {
		l.OnDiscarded(b, letter)
	}
}

func (ls listeners) OnRequeued(b Binding, letter *Letter) {
	for _, l := range ls {
		l.OnRequeued(b, letter)
	}
}

var _ EventListener = EventFuncs{}
var _ EventListener = listeners(nil)

// Letter is the unit of transfer
type Letter = contracts.Letter

// Binding identifies a listen endpoint or a remote peer
type Binding = contracts.Binding

// NewLetter creates a user letter carrying parts
func NewLetter(parts ...[]byte) *Letter {
	return contracts.NewLetter(parts...)
}

// NewBinding creates a binding for address and port
func NewBinding(address string, port int) Binding {
	return contracts.NewBinding(address, port)
}

// LetterOptions is the option bit set of a letter
type LetterOptions = contracts.LetterOptions

const (
	OptionSilentDiscard = contracts.OptionSilentDiscard
	OptionRequeue       = contracts.OptionRequeue
	OptionAck           = contracts.OptionAck
	OptionUniqueID      = contracts.OptionUniqueID
	OptionMulticast     = contracts.OptionMulticast
)
