package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide relay metrics, exposed on /metrics via promhttp.
var (
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_messages_accepted_total",
		Help: "Messages durably appended to the local log.",
	})
	DuplicatePublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_publish_duplicates_total",
		Help: "Publishes acknowledged as idempotent retries of an earlier accept.",
	})
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_publish_failures_total",
		Help: "Publishes rejected because the store was unavailable.",
	})
	MessagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_messages_replayed_total",
		Help: "Messages backfilled to reconnecting sessions.",
	})
	ReplayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_replay_failures_total",
		Help: "Recovery replays that failed; the session stays live without history.",
	})
	BroadcastDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_broadcast_deliveries_total",
		Help: "Message frames delivered to local sessions by broadcast.",
	})
	BackplanePublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_backplane_published_total",
		Help: "Envelopes published to the backplane.",
	})
	BackplaneReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_backplane_received_total",
		Help: "Envelopes received from sibling processes.",
	})
	BackplaneHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_backplane_healthy",
		Help: "1 when the backplane connection is healthy, 0 when degraded.",
	})
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_sessions_live",
		Help: "Currently registered client sessions on this process.",
	})
)
