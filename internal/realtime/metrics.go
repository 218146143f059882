package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat core's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry wiring.
type Metrics struct {
	ConnectionsLive prometheus.Gauge
	EventsIn        *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
}

// NewMetrics registers the chat core collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "connections_live",
			Help:      "Currently established websocket connections.",
		}),
		EventsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "events_in_total",
			Help:      "Inbound envelopes accepted for dispatch, by type.",
		}, []string{"type"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "events_rejected_total",
			Help:      "Inbound operations rejected, by error code.",
		}, []string{"code"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "broadcasts_total",
			Help:      "Envelopes handed to group fan-out, by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsLive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsLive.Dec()
	}
}

func (m *Metrics) eventIn(typ string) {
	if m != nil {
		m.EventsIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) eventRejected(code string) {
	if m != nil {
		m.EventsRejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) broadcast(typ string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(typ).Inc()
	}
}
