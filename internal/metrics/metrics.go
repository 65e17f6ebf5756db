// Package metrics holds the Prometheus collectors for the relay core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Chat groups the relay collectors. A nil *Chat is valid and records nothing.
type Chat struct {
	Online       prometheus.Gauge
	Routed       *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	Dropped      prometheus.Counter
	AuthFailures prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Chat {
	m := &Chat{
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections_online",
			Help:      "Users currently holding a live connection.",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_routed_total",
			Help:      "Inbound envelopes accepted, by kind.",
		}, []string{"kind"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_rejected_total",
			Help:      "Inbound envelopes rejected, by reason.",
		}, []string{"reason"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "deliveries_dropped_total",
			Help:      "Relay frames dropped because the target queue was full or closing.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "auth_failures_total",
			Help:      "Connections rejected during authentication.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Online, m.Routed, m.Rejected, m.Dropped, m.AuthFailures)
	}
	return m
}

func (m *Chat) SetOnline(n int) {
	if m == nil {
		return
	}
	m.Online.Set(float64(n))
}

func (m *Chat) MessageRouted(kind string) {
	if m == nil {
		return
	}
	m.Routed.WithLabelValues(kind).Inc()
}

func (m *Chat) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

func (m *Chat) DeliveryDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Chat) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
