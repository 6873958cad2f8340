package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_open_connections",
		Help: "Live websocket connections.",
	})
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages persisted via the gateway.",
	})
	metricMessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_deleted_total",
		Help: "Messages deleted via the gateway.",
	})
	metricBroadcastEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_events_total",
		Help: "Broadcast calls fanned out by the registry.",
	})
	metricBroadcastSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_send_errors_total",
		Help: "Per-subscriber send failures during broadcast.",
	})
	metricEvictedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_evicted_connections_total",
		Help: "Connections terminated by the liveness supervisor.",
	})
	metricResponderReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_responder_replies_total",
		Help: "Auto-responder replies broadcast.",
	})
)
