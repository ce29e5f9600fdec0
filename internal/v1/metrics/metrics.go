package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for video conferencing platform
// Declared together in this package so every component registers against
// one shared set of collectors.
//
// Naming convention: namespace_subsystem_name
// - namespace: video_conference (application-level grouping)
// - subsystem: websocket, room, webrtc (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label - current state per room)
	// Using Gauge instead of Histogram because we want current participant count per room,
	// not distribution of historical counts
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "video_conference",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// WebrtcConnectionAttempts tracks the total number of WebRTC connection attempts (CounterVec - cumulative)
	WebrtcConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "webrtc",
		Name:      "connection_attempts_total",
		Help:      "Total WebRTC connection attempts",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "video_conference",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// GiftBufferInFlight tracks gift transactions currently buffered and
	// awaiting flush to the business backend (Gauge - current state)
	GiftBufferInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "gift_buffer",
		Name:      "in_flight",
		Help:      "Gift transactions currently buffered awaiting flush",
	})

	// GiftBufferFlushDuration tracks the time spent flushing a batch of
	// gift transactions to the business backend (Histogram)
	GiftBufferFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "video_conference",
		Subsystem: "gift_buffer",
		Name:      "flush_duration_seconds",
		Help:      "Time spent flushing a batch of gift transactions",
		Buckets:   prometheus.DefBuckets,
	})

	// GiftBufferDelivered tracks the total number of gift transactions
	// successfully flushed (Counter - cumulative)
	GiftBufferDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "gift_buffer",
		Name:      "delivered_total",
		Help:      "Total gift transactions successfully flushed",
	})

	// GiftBufferDeadLettered tracks gift transactions that exhausted their
	// retry budget and were moved to the dead-letter set (Gauge)
	GiftBufferDeadLettered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "gift_buffer",
		Name:      "dead_lettered",
		Help:      "Gift transactions that exhausted retries and were dead-lettered",
	})

	// GiftBufferRetries tracks the total number of flush retry attempts (Counter)
	GiftBufferRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "gift_buffer",
		Name:      "retries_total",
		Help:      "Total gift transaction flush retry attempts",
	})

	// ActiveSpeakers tracks the current number of speakers forwarded per room (GaugeVec)
	ActiveSpeakers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "speaker",
		Name:      "active_count",
		Help:      "Current number of active speakers forwarded per room",
	}, []string{"room_id"})

	// DistributionRouters tracks the number of distribution routers per room (GaugeVec)
	DistributionRouters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "media_cluster",
		Name:      "distribution_routers",
		Help:      "Current number of distribution routers per room",
	}, []string{"room_id"})

	// EventRelayPublished tracks the total number of external events published (Counter)
	EventRelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_conference",
		Subsystem: "event_relay",
		Name:      "published_total",
		Help:      "Total external events published",
	}, []string{"event_type", "status"})

	// EventRelayInFlight tracks external events currently being processed (Gauge)
	EventRelayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_conference",
		Subsystem: "event_relay",
		Name:      "in_flight",
		Help:      "External events currently being processed",
	})

	// EventRelayProcessingDuration tracks the time spent routing an external
	// event, including async fan-out (Histogram)
	EventRelayProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "video_conference",
		Subsystem: "event_relay",
		Name:      "processing_duration_seconds",
		Help:      "Time spent routing an external event to its targets",
		Buckets:   prometheus.DefBuckets,
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
