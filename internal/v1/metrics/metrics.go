package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration server.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, room, ot, conflict, queue, circuit_breaker, rate_limit, cluster
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (messages processed, conflicts detected)
// - Histogram: Latency distributions (transform time, processing time)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// OTTransformsTotal tracks total pairwise transform invocations.
	OTTransformsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ot",
		Name:      "transforms_total",
		Help:      "Total pairwise operation transforms performed",
	}, []string{"kind_a", "kind_b"})

	OTTransformDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "ot",
		Name:      "transform_duration_seconds",
		Help:      "Time spent performing a pairwise operation transform",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
	})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Total conflicts detected",
	}, []string{"kind", "severity"})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "conflict",
		Name:      "resolved_total",
		Help:      "Total conflicts resolved",
	}, []string{"strategy"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of messages queued per owner kind",
	}, []string{"owner_kind"})

	QueueDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total messages moved to the dead letter state",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	ClusterOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "cluster",
		Name:      "operations_total",
		Help:      "Total number of cluster adapter operations",
	}, []string{"operation", "status"})

	ClusterOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "cluster",
		Name:      "operation_duration_seconds",
		Help:      "Duration of cluster adapter operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
