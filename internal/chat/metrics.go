package chat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so several hubs (tests) can coexist.
type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Gauge
	MessagesRouted    *prometheus.CounterVec
	Deliveries        prometheus.Counter
	DroppedClients    prometheus.Counter
	PersistFailures   prometheus.Counter
	LifecycleEvents   *prometheus.CounterVec
	RejectedFrames    *prometheus.CounterVec
	HandshakeFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupchat_connections",
			Help: "Live websocket connections.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_messages_routed_total",
			Help: "Messages persisted and fanned out, by target kind.",
		}, []string{"target"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_deliveries_total",
			Help: "Frames enqueued to connections.",
		}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_dropped_connections_total",
			Help: "Connections closed because their send queue was full.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_persist_failures_total",
			Help: "Sends aborted because the message could not be stored.",
		}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_lifecycle_events_total",
			Help: "Group lifecycle notifications broadcast, by action.",
		}, []string{"action"}),
		RejectedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_rejected_frames_total",
			Help: "Inbound frames answered with an error, by code.",
		}, []string{"code"}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_handshake_failures_total",
			Help: "Websocket handshakes refused for a bad credential.",
		}),
	}
	m.registry.MustRegister(
		m.Connections,
		m.MessagesRouted,
		m.Deliveries,
		m.DroppedClients,
		m.PersistFailures,
		m.LifecycleEvents,
		m.RejectedFrames,
		m.HandshakeFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
