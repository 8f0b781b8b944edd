package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realm coordination server.
//
// Naming convention: namespace_subsystem_name
// - namespace: roledesk (application-level grouping)
// - subsystem: websocket, session, proximity (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, sessions, players)
// - Counter: Cumulative events (messages processed, rejections)
// - Histogram: Latency distributions (event handling time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roledesk",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of live realm sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roledesk",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of live realm sessions",
	})

	// SessionPlayers tracks the number of players in each realm session
	SessionPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roledesk",
		Subsystem: "session",
		Name:      "players_count",
		Help:      "Number of players in each realm session",
	}, []string{"realm_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roledesk",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventHandlingDuration tracks the time spent handling WebSocket events
	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roledesk",
		Subsystem: "websocket",
		Name:      "event_handling_seconds",
		Help:      "Time spent handling WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ProximityGroupChanges counts players whose proximity group was reassigned
	ProximityGroupChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roledesk",
		Subsystem: "proximity",
		Name:      "group_changes_total",
		Help:      "Total proximity group reassignments delivered to players",
	})

	// RateLimitRequests counts requests that passed a rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roledesk",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"scope"})

	// RateLimitExceeded counts requests rejected by a rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roledesk",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"scope", "kind"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roledesk",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls short-circuited by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roledesk",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Calls rejected because a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
