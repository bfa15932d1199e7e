package channel

import "github.com/glimte/postbox-go/contracts"

// Handler receives channel events
type Handler interface {
	// ChannelConnected is called when a connection is established
	ChannelConnected(c *Channel)
	// ChannelInitialized is called when both handshake halves completed
	ChannelInitialized(c *Channel)
	// ChannelDisconnected is called when the connection is lost or the
	// channel is disposed while connected
	ChannelDisconnected(c *Channel, err error)
	// LetterReceived is called for every user letter, in arrival order
	LetterReceived(c *Channel, l *contracts.Letter)
	// LetterSent is called once a user letter was written and, when it asked
	// for one, acknowledged
	LetterSent(c *Channel, l *contracts.Letter)
	// LettersFailed hands back user letters that will never be sent
	LettersFailed(c *Channel, letters []*contracts.Letter)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Connected    func(c *Channel)
	Initialized  func(c *Channel)
	Disconnected func(c *Channel, err error)
	Received     func(c *Channel, l *contracts.Letter)
	Sent         func(c *Channel, l *contracts.Letter)
	Failed       func(c *Channel, letters []*contracts.Letter)
}

func (h HandlerFuncs) ChannelConnected(c *Channel) {
	if h.Connected != nil {
		h.Connected(c)
	}
}

func (h HandlerFuncs) ChannelInitialized(c *Channel) {
	if h.Initialized != nil {
		h.Initialized(c)
	}
}

func (h HandlerFuncs) ChannelDisconnected(c *Channel, err error) {
	if h.Disconnected != nil {
		h.Disconnected(c, err)
	}
}

func (h HandlerFuncs) LetterReceived(c *Channel, l *contracts.Letter) {
	if h.Received != nil {
		h.Received(c, l)
	}
}

func (h HandlerFuncs) LetterSent(c *Channel, l *contracts.Letter) {
	if h.Sent != nil {
		h.Sent(c, l)
	}
}

func (h HandlerFuncs) LettersFailed(c *Channel, letters []*contracts.Letter) {
	if h.Failed != nil {
		h.Failed(c, letters)
	}
}
