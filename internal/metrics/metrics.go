// Package metrics holds the dashboard's Prometheus collectors. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "picpic_dash"

// Metrics contains the dashboard's collectors.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	EventsEmitted    *prometheus.CounterVec
	MessagesDropped  prometheus.Counter
	RouteFailures    prometheus.Counter
	BackendFailures  *prometheus.CounterVec
	Listeners        prometheus.Gauge
	BrokerConnected  prometheus.Gauge
	StreamDrops      prometheus.Counter
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_received_total",
				Help:      "Messages received from the broker, by subscription pattern",
			},
			[]string{"pattern"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "events_emitted_total",
				Help:      "Application events emitted, by channel kind",
			},
			[]string{"kind"},
		),
		MessagesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "messages_dropped_total",
				Help:      "Messages that matched no classification rule",
			},
		),
		RouteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "failures_total",
				Help:      "Messages whose decode or dispatch failed",
			},
		),
		BackendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "request_failures_total",
				Help:      "Failed backend API requests, by operation",
			},
			[]string{"op"},
		),
		Listeners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "listeners",
				Help:      "Currently registered event listeners",
			},
		),
		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "1 when the broker connection is up",
			},
		),
		StreamDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "events_dropped_total",
				Help:      "Events not delivered to a browser stream because its queue was full",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.EventsEmitted,
			m.MessagesDropped,
			m.RouteFailures,
			m.BackendFailures,
			m.Listeners,
			m.BrokerConnected,
			m.StreamDrops,
		)
	}
	return m
}

func (m *Metrics) MessageReceived(pattern string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(pattern).Inc()
}

func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

func (m *Metrics) RouteFailed() {
	if m == nil {
		return
	}
	m.RouteFailures.Inc()
}

func (m *Metrics) BackendFailed(op string) {
	if m == nil {
		return
	}
	m.BackendFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.Listeners.Set(float64(n))
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}

func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.StreamDrops.Inc()
}
