package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	GossipMessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "gossip_messages_received_total",
			Help:      "Gossip messages received, by topic.",
		},
		[]string{"topic"},
	)

	GossipMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "gossip_messages_published_total",
			Help:      "Gossip messages published, by topic.",
		},
		[]string{"topic"},
	)

	RequestsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "exchange_requests_sent_total",
			Help:      "Outbound exchange requests.",
		},
	)

	RequestsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "exchange_requests_received_total",
			Help:      "Inbound exchange requests.",
		},
	)

	ResponsesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "exchange_responses_received_total",
			Help:      "Responses to outbound exchange requests.",
		},
	)

	OutboundFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "exchange_outbound_failures_total",
			Help:      "Outbound exchange requests that failed before a response.",
		},
	)

	FrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentmesh",
			Name:      "exchange_frame_errors_total",
			Help:      "Frame read failures, by error class.",
		},
		[]string{"class"},
	)

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "contentmesh",
			Name:      "connected_peers",
			Help:      "Peers with at least one live connection.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "contentmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

// Frame error classes for FrameErrors.
const (
	FrameErrorSize      = "size"
	FrameErrorMalformed = "malformed"
	FrameErrorEOF       = "eof"
)

func init() {
	Registry.MustRegister(
		GossipMessagesReceived,
		GossipMessagesPublished,
		RequestsSent,
		RequestsReceived,
		ResponsesReceived,
		OutboundFailures,
		FrameErrors,
		ConnectedPeers,
		uptime,
	)
}

// MetricsHandler exposes the registry for a /metrics route.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
