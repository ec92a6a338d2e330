package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "The number of currently connected WebSocket clients",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "The total number of WebSocket connections accepted",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_connections_rejected_total",
		Help: "The total number of connections rejected at the capacity gate",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_received_total",
		Help: "The total number of messages received from clients",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "The total number of messages written to clients",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_dropped_total",
		Help: "The total number of outbound messages dropped on full send queues",
	})

	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_published_total",
		Help: "The total number of messages published to the distributed channels",
	})

	ExternalEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_external_events_received_total",
		Help: "The total number of events consumed from external ingress topics",
	}, []string{"source"})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_rooms",
		Help: "The number of rooms currently registered",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "The number of users currently online",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_errors_total",
		Help: "The total number of errors by type and component",
	}, []string{"type", "component"})
)

func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
