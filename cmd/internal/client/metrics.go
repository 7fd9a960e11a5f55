package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics. Registered on the default registry and exposed by the
// host process at /metrics.
var (
	metricSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "sends_total",
		Help:      "Messages accepted by the dispatcher (optimistic writes).",
	})

	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "send_failures_total",
		Help:      "Durable persist calls that failed (entry kept as failed).",
	})

	metricPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "polls_total",
		Help:      "Fallback poller fetches attempted.",
	})

	metricPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "poll_failures_total",
		Help:      "Fallback poller fetches that failed (swallowed per tick).",
	})

	metricStaleReplaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "stale_replaces_total",
		Help:      "Poll snapshots discarded by the store version check.",
	})

	metricDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "desk",
		Subsystem: "chat_client",
		Name:      "dropped_events_total",
		Help:      "Inbound push events discarded by the room filter.",
	}, []string{"type"})
)
