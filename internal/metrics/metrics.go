// Package metrics defines Prometheus collectors for the realtime service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// ActiveConnections tracks the number of live WebSocket connections on this instance.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Current number of live WebSocket connections on this instance",
		},
	)

	// MessagesDelivered tracks messages written to client sockets by outcome.
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_delivered_total",
			Help: "Messages delivered to client sockets by status (ok/failed)",
		},
		[]string{"status"},
	)

	// BroadcastsTotal tracks channel broadcasts issued on this instance.
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_broadcasts_total",
			Help: "Total channel broadcasts issued on this instance",
		},
	)

	// SweptConnections tracks connections removed by the liveness sweep.
	SweptConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_swept_connections_total",
			Help: "Connections removed by the dead-connection sweep",
		},
	)
)

// Relay metrics
var (
	// RelayPublished tracks envelopes published to the broker by status.
	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_published_total",
			Help: "Envelopes published to the broker by status (ok/failed)",
		},
		[]string{"status"},
	)

	// RelayReceived tracks inbound broker messages dispatched to handlers.
	RelayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_relay_received_total",
			Help: "Inbound broker messages dispatched to handlers",
		},
	)

	// RelayDropped tracks inbound broker messages dropped by reason.
	RelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_dropped_total",
			Help: "Inbound broker messages dropped by reason (malformed/self)",
		},
		[]string{"reason"},
	)
)

// Broker health metrics
var (
	// CircuitBreakerState reports the breaker state per component.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by resulting state.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by resulting state",
		},
		[]string{"component", "state"},
	)
)
