package wampio

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters of one kernel. Every kernel has its own
// registry so several kernels can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	preSessions      *prometheus.CounterVec
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	messages         *prometheus.CounterVec
	handshakeSeconds prometheus.Histogram

	registerOnce sync.Once
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wampio"
	}
	return &Metrics{
		registry: prometheus.NewRegistry(),
		preSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presession",
				Name:      "total",
				Help:      "Connections classified by the protocol sniffer.",
			},
			[]string{"outcome"},
		),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions that reached the open state.",
		}),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "closed_total",
				Help:      "Sessions that reached the closed state.",
			},
			[]string{"mode", "was_open"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions constructed and not yet closed.",
		}),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "messages_total",
				Help:      "WAMP messages sent and received.",
			},
			[]string{"direction", "type"},
		),
		handshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshake_duration_seconds",
			Help:      "Time from session construction to open.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register adds the collectors to the kernel registry. Safe to call more
// than once.
func (m *Metrics) Register() {
	m.registerOnce.Do(func() {
		m.registry.MustRegister(
			m.preSessions, m.sessionsOpened, m.sessionsClosed,
			m.sessionsActive, m.messages, m.handshakeSeconds,
		)
	})
}

// Registry returns the registry the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	m.Register()
	return m.registry
}

// Handler serves the kernel metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}

func (m *Metrics) recordPreSession(outcome string) {
	m.Register()
	m.preSessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordSessionCreated() {
	m.Register()
	m.sessionsActive.Inc()
}

func (m *Metrics) recordSessionOpen(handshake time.Duration) {
	m.Register()
	m.sessionsOpened.Inc()
	m.handshakeSeconds.Observe(handshake.Seconds())
}

func (m *Metrics) recordSessionClosed(mode ConnectionMode, wasOpen bool) {
	m.Register()
	m.sessionsActive.Dec()
	open := "false"
	if wasOpen {
		open = "true"
	}
	m.sessionsClosed.WithLabelValues(mode.String(), open).Inc()
}

func (m *Metrics) recordMessage(direction string, t MsgType) {
	m.Register()
	m.messages.WithLabelValues(direction, t.String()).Inc()
}
