// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts order mutations by broker and normalized status.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realalgo_orders_submitted_total",
		Help: "Total order mutations by broker and result status",
	},
	[]string{"broker", "status"},
)

// OrderLatency records end-to-end submit latency per broker.
var OrderLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "realalgo_order_submit_latency_seconds",
		Help:    "Latency in seconds from router submit to broker result",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"broker"},
)

// AuthLogins counts broker authentication attempts.
var AuthLogins = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realalgo_auth_logins_total",
		Help: "Broker logins by broker and outcome",
	},
	[]string{"broker", "outcome"},
)

// Streaming path metrics.
var (
	TicksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realalgo_ticks_ingested_total",
			Help: "Ticks received from broker streams",
		},
		[]string{"broker"},
	)

	TicksPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_ticks_published_total",
			Help: "Ticks fanned out to subscriber queues",
		},
	)

	TicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_ticks_dropped_total",
			Help: "Ticks dropped from saturated subscriber queues",
		},
	)

	GapMarkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_gap_markers_total",
			Help: "Synthetic gap markers emitted by ingest workers",
		},
	)

	UpstreamDownMarkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_upstream_down_markers_total",
			Help: "Upstream-down markers emitted after reconnect budget exhaustion",
		},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realalgo_stream_reconnects_total",
			Help: "Broker stream reconnect attempts",
		},
		[]string{"broker"},
	)

	ActiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realalgo_active_subscribers",
			Help: "Connected streaming subscribers",
		},
	)

	ActiveTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realalgo_active_topics",
			Help: "Topics with at least one subscriber",
		},
	)
)

// Egress metrics.
var (
	JournalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_journal_errors_total",
			Help: "Order events that failed to reach the Kafka journal",
		},
	)

	EgressErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realalgo_egress_errors_total",
			Help: "Ticks that failed to reach the Redis egress channel",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrderLatency, AuthLogins)
	prometheus.MustRegister(
		TicksIngested, TicksPublished, TicksDropped,
		GapMarkers, UpstreamDownMarkers, StreamReconnects,
		ActiveSubscribers, ActiveTopics,
	)
	prometheus.MustRegister(JournalErrors, EgressErrors)
}
