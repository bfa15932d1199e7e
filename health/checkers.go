package health

import (
	"context"
	"fmt"
	"runtime"

	postbox "github.com/glimte/postbox-go"
)

// SocketSource is the part of a socket a SocketChecker reads
type SocketSource interface {
	Channels() []postbox.ChannelInfo
	Pending() int
}

// SocketChecker reports on the channels of a socket. A socket with channels
// but none initialized is unhealthy. Missing channels, channels still
// handshaking or a long pending queue degrade it.
type SocketChecker struct {
	name         string
	socket       SocketSource
	maxPending   int
	requireReady bool
}

// SocketCheckerOption configures a SocketChecker
type SocketCheckerOption func(*SocketChecker)

// WithName overrides the default name "socket"
func WithName(name string) SocketCheckerOption {
	return func(c *SocketChecker) {
		c.name = name
	}
}

// WithMaxPending degrades the socket when more than n letters wait for a
// channel. Zero disables the check.
func WithMaxPending(n int) SocketCheckerOption {
	return func(c *SocketChecker) {
		c.maxPending = n
	}
}

// WithRequireChannels makes a socket without any channel unhealthy rather
// than degraded
func WithRequireChannels() SocketCheckerOption {
	return func(c *SocketChecker) {
		c.requireReady = true
	}
}

// NewSocketChecker creates a checker for socket
func NewSocketChecker(socket SocketSource, opts ...SocketCheckerOption) *SocketChecker {
	c := &SocketChecker{
		name:       "socket",
		socket:     socket,
		maxPending: 10000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SocketChecker) Name() string {
	return c.name
}

func (c *SocketChecker) Check(ctx context.Context) Result {
	result := Result{Details: make(map[string]any)}

	channels := c.socket.Channels()
	pending := c.socket.Pending()

	initialized := 0
	states := make(map[string]string, len(channels))
	for _, info := range channels {
		states[info.Binding.String()] = info.State.String()
		if info.State == postbox.StateInitialized {
			initialized++
		}
	}

	result.Details["channels"] = len(channels)
	result.Details["initialized"] = initialized
	result.Details["pending"] = pending
	result.Details["states"] = states

	switch {
	case len(channels) == 0 && c.requireReady:
		result.Status = StatusUnhealthy
		result.Message = "no channels"
	case len(channels) == 0:
		result.Status = StatusDegraded
		result.Message = "no channels"
	case initialized == 0:
		result.Status = StatusUnhealthy
		result.Message = "no initialized channels"
	case initialized < len(channels):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d channels initialized", initialized, len(channels))
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d letters pending", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "all channels initialized"
	}

	return result
}

// RuntimeChecker watches the goroutine count. Every channel runs several
// goroutines, so a leak shows here first.
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker with the given goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{
		warning:  warning,
		critical: critical,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) Result {
	result := Result{Details: make(map[string]any)}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	return result
}
