package channel

// State is the lifecycle state of a channel
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateInitialized
	StateDisconnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateDisconnected:
		return "disconnected"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// IsOpen reports whether the channel has a live connection
func (s State) IsOpen() bool {
	return s == StateConnected || s == StateInitialized
}

// Direction tells who opened the connection
type Direction int

const (
	// Outbound channels dial their binding and reconnect after failures
	Outbound Direction = iota
	// Inbound channels wrap an accepted connection
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}
