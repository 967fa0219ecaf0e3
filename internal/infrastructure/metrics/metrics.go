package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_connections_total",
			Help: "Total number of WebSocket connections accepted",
		},
		[]string{"role"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketchat_connections_current",
			Help: "Current number of registered WebSocket connections",
		},
	)

	HandshakesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_handshakes_rejected_total",
			Help: "Handshakes rejected, by reason",
		},
		[]string{"reason"},
	)

	ConnectionsReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_connections_replaced_total",
			Help: "Connections displaced by a newer connection for the same user",
		},
	)
)

// Protocol and messaging metrics
var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_frame_errors_total",
			Help: "Frames answered with an error, by error code",
		},
		[]string{"code"},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_messages_routed_total",
			Help: "Messages stored, by whether the recipient was online",
		},
		[]string{"delivery"},
	)

	RecipientOverrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_recipient_overrides_total",
			Help: "Customer messages rerouted to the product's current owner",
		},
	)
)

// Ownership resolver metrics
var (
	OwnershipLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_ownership_lookups_total",
			Help: "Ownership cache lookups, by result",
		},
		[]string{"result"},
	)

	ProductAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_product_api_requests_total",
			Help: "Requests to the product API, by status",
		},
		[]string{"status"},
	)

	ProductAPIDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketchat_product_api_duration_seconds",
			Help:    "Duration of product API requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)
