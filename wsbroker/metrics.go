package wsbroker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace for broker metrics.
const Namespace = "wsbroker"

// Metrics holds the Prometheus collectors of one broker instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Tokens         *prometheus.GaugeVec
	PortsInUse     prometheus.Gauge
	ActiveSessions *prometheus.GaugeVec
	Sessions       *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
	Links          prometheus.Gauge
	Reconnects     prometheus.Counter
}

// NewMetrics creates a collector set registered on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Tokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "tokens",
				Help:      "Number of registered tokens",
			},
			[]string{"kind"},
		),
		PortsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "ports_in_use",
				Help:      "Number of leased reverse listener ports",
			},
		),
		ActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions not yet closed",
			},
			[]string{"mode"},
		),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished sessions by final state",
			},
			[]string{"mode", "state"},
		),
		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes relayed by sessions",
			},
			[]string{"direction"}, // "upstream" or "downstream"
		),
		Links: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "links",
				Help:      "Number of connected WebSocket links",
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of link establishment attempts after the first",
			},
		),
	}
	m.registry.MustRegister(m.Tokens, m.PortsInUse, m.ActiveSessions, m.Sessions, m.Bytes, m.Links, m.Reconnects)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setTokens(forward, reverse, connector int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(TokenForward.String()).Set(float64(forward))
	m.Tokens.WithLabelValues(TokenReverse.String()).Set(float64(reverse))
	m.Tokens.WithLabelValues(TokenConnector.String()).Set(float64(connector))
}

func (m *Metrics) setPortsInUse(n int) {
	if m == nil {
		return
	}
	m.PortsInUse.Set(float64(n))
}

func (m *Metrics) sessionOpened(mode Mode) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) sessionFinished(mode Mode, state SessionState) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(mode.String()).Dec()
	m.Sessions.WithLabelValues(mode.String(), state.String()).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) linkUp() {
	if m == nil {
		return
	}
	m.Links.Inc()
}

func (m *Metrics) linkDown() {
	if m == nil {
		return
	}
	m.Links.Dec()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
