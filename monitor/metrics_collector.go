// Package monitor exports socket activity as Prometheus metrics.
package monitor

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	postbox "github.com/glimte/postbox-go"
)

const namespace = "postbox"

// Letter events counted by MetricsCollector
const (
	EventReceived  = "received"
	EventSent      = "sent"
	EventDiscarded = "discarded"
	EventRequeued  = "requeued"
)

// MetricsCollector counts socket events per binding. Register it as a
// socket event listener and with a Prometheus registry.
type MetricsCollector struct {
	letters     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	initialized prometheus.Gauge

	mu    sync.Mutex
	ready map[postbox.Binding]struct{}
}

var (
	_ postbox.EventListener = (*MetricsCollector)(nil)
	_ prometheus.Collector  = (*MetricsCollector)(nil)
)

// NewMetricsCollector creates a collector with no recorded activity
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		letters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "letters_total",
			Help:      "User letters by binding and event.",
		}, []string{"binding", "event"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "letter_bytes_total",
			Help:      "Payload bytes of user letters by binding and event.",
		}, []string{"binding", "event"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "Channel state transitions by binding and state.",
		}, []string{"binding", "state"}),
		initialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_initialized",
			Help:      "Channels that completed the handshake and are open.",
		}),
		ready: make(map[postbox.Binding]struct{}),
	}
}

// Describe implements prometheus.Collector
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.letters.Describe(ch)
	c.bytes.Describe(ch)
	c.transitions.Describe(ch)
	c.initialized.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.letters.Collect(ch)
	c.bytes.Collect(ch)
	c.transitions.Collect(ch)
	c.initialized.Collect(ch)
}

func (c *MetricsCollector) OnConnected(b postbox.Binding) {
	c.transitions.WithLabelValues(b.String(), postbox.StateConnected.String()).Inc()
}

func (c *MetricsCollector) OnDisconnected(b postbox.Binding, _ error) {
	c.transitions.WithLabelValues(b.String(), postbox.StateDisconnected.String()).Inc()

	c.mu.Lock()
	delete(c.ready, b)
	c.initialized.Set(float64(len(c.ready)))
	c.mu.Unlock()
}

func (c *MetricsCollector) OnInitialized(b postbox.Binding, _ uuid.UUID) {
	c.transitions.WithLabelValues(b.String(), postbox.StateInitialized.String()).Inc()

	c.mu.Lock()
	c.ready[b] = struct{}{}
	c.initialized.Set(float64(len(c.ready)))
	c.mu.Unlock()
}

func (c *MetricsCollector) OnReceived(b postbox.Binding, l *postbox.Letter) {
	c.record(b, EventReceived, l)
}

func (c *MetricsCollector) OnSent(b postbox.Binding, l *postbox.Letter) {
	c.record(b, EventSent, l)
}

func (c *MetricsCollector) OnDiscarded(b postbox.Binding, l *postbox.Letter) {
	c.record(b, EventDiscarded, l)
}

func (c *MetricsCollector) OnRequeued(b postbox.Binding, l *postbox.Letter) {
	c.record(b, EventRequeued, l)
}

func (c *MetricsCollector) record(b postbox.Binding, event string, l *postbox.Letter) {
	binding := b.String()
	c.letters.WithLabelValues(binding, event).Inc()
	if l != nil {
		c.bytes.WithLabelValues(binding, event).Add(float64(l.Size()))
	}
}

// Handler registers the collector with a fresh registry and serves it in
// the Prometheus text format
func Handler(c *MetricsCollector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
