package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for the bus. Everything registers
// on a private registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	AuthFailures        prometheus.Counter

	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	BytesIn     prometheus.Counter
	BytesOut    prometheus.Counter

	DroppedDeliveries *prometheus.CounterVec

	Subscriptions        prometheus.Gauge
	NotificationPatterns prometheus.Gauge
	PublishedTopics      prometheus.Gauge
	HubQueueDepth        prometheus.Gauge

	PolicyReloads *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_connections_active",
			Help: "Current number of authenticated client connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_connections_total",
			Help: "Total client connections accepted and authenticated",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squawkbus_connections_rejected_total",
			Help: "Connections rejected before the handshake, by reason",
		}, []string{"reason"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_auth_failures_total",
			Help: "Handshakes that failed authentication",
		}),

		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squawkbus_messages_in_total",
			Help: "Messages received from clients, by type",
		}, []string{"type"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squawkbus_messages_out_total",
			Help: "Messages delivered to clients, by type",
		}, []string{"type"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_bytes_in_total",
			Help: "Payload bytes received from clients",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_bytes_out_total",
			Help: "Payload bytes written to clients",
		}),

		DroppedDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squawkbus_dropped_deliveries_total",
			Help: "Deliveries dropped because a client outbox was full, by user",
		}, []string{"user"}),

		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_subscriptions",
			Help: "Current number of (topic, client) subscription entries",
		}),
		NotificationPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_notification_patterns",
			Help: "Current number of registered notification patterns",
		}),
		PublishedTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_published_topics",
			Help: "Current number of topics with at least one live publisher",
		}),
		HubQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_hub_queue_depth",
			Help: "Events waiting in the hub inbox",
		}),

		PolicyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squawkbus_policy_reloads_total",
			Help: "SIGHUP reload attempts, by status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive, m.ConnectionsTotal, m.ConnectionsRejected,
		m.AuthFailures,
		m.MessagesIn, m.MessagesOut, m.BytesIn, m.BytesOut,
		m.DroppedDeliveries,
		m.Subscriptions, m.NotificationPatterns, m.PublishedTopics,
		m.HubQueueDepth,
		m.PolicyReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry for the promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
