package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "desk",
		Subsystem: "chat_gateway",
		Name:      "connections",
		Help:      "Currently open websocket connections.",
	})

	metricFanoutDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_gateway",
		Name:      "fanout_drops_total",
		Help:      "Envelopes dropped because a member send queue was full.",
	})

	metricPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_gateway",
		Name:      "messages_persisted_total",
		Help:      "Messages persisted through the gateway, by outcome.",
	}, []string{"outcome"})

	metricEventsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_gateway",
		Name:      "events_in_total",
		Help:      "Inbound websocket envelopes, by type.",
	}, []string{"type"})
)
