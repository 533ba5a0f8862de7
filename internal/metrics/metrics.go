// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker Metrics
	BrokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "questline_broker_state",
			Help: "Broker client state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=unavailable)",
		},
	)

	BrokerReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_broker_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts",
		},
	)

	BrokerConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_broker_connections_total",
			Help: "Total number of broker connection attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	BrokerMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_broker_messages_published_total",
			Help: "Total number of messages published to the exchange",
		},
		[]string{"routing_key", "result"}, // result: success, failure, rejected
	)

	BrokerPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "questline_broker_publish_duration_seconds",
			Help:    "Duration of broker publish calls including confirms",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	BrokerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_broker_deliveries_total",
			Help: "Total number of deliveries settled by the consumer",
		},
		[]string{"queue", "outcome"}, // outcome: ack, reject
	)

	DeadLetterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "questline_dlq_depth",
			Help: "Messages currently waiting in the dead-letter queue",
		},
	)

	// Event Router Metrics
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_events_consumed_total",
			Help: "Total number of events handled by the router",
		},
		[]string{"routing_key", "outcome"}, // outcome: processed, duplicate, unrouted, rejected, retried
	)

	EventHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questline_event_handler_duration_seconds",
			Help:    "Duration of event handler execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"routing_key"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_events_rejected_total",
			Help: "Total number of events rejected to the dead-letter queue by error category",
		},
		[]string{"category"},
	)

	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_invariant_violations_total",
			Help: "Engine invariant violations detected while handling events",
		},
	)

	// Gamification Metrics
	XPAwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_xp_awarded_total",
			Help: "Total XP awarded by source event",
		},
		[]string{"reason"},
	)

	LevelUps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_level_ups_total",
			Help: "Total number of level changes",
		},
	)

	StreakActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_streak_activations_total",
			Help: "Total number of days activated by reaching the study target",
		},
	)

	StreaksBroken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_streaks_broken_total",
			Help: "Total number of streaks reset by an idle day",
		},
	)

	AchievementsUnlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_achievements_unlocked_total",
			Help: "Total number of achievements unlocked",
		},
		[]string{"milestone"},
	)

	// Store Metrics
	StoreTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questline_store_transaction_duration_seconds",
			Help:    "Duration of store transactions",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"operation"},
	)

	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "questline_store_conflicts_total",
			Help: "Total number of transaction conflicts",
		},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "questline_outbox_pending",
			Help: "Outbound events persisted but not yet published",
		},
	)

	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_outbox_relayed_total",
			Help: "Outbox messages handled by the relay",
		},
		[]string{"result"}, // published, failed
	)

	// User Directory Metrics
	UserLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_user_lookups_total",
			Help: "User identity lookups by result",
		},
		[]string{"result"}, // found, not_found, error, cache_hit
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "questline_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questline_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// SetBrokerState records the broker state gauge.
func SetBrokerState(state int) {
	BrokerState.Set(float64(state))
}

// RecordBrokerReconnectAttempt counts one reconnect attempt.
func RecordBrokerReconnectAttempt() {
	BrokerReconnectAttempts.Inc()
}

// RecordBrokerConnect records the outcome of a connection attempt.
func RecordBrokerConnect(err error) {
	if err != nil {
		BrokerConnections.WithLabelValues("failure").Inc()
		return
	}
	BrokerConnections.WithLabelValues("success").Inc()
}

// RecordPublish records a publish attempt and its latency.
func RecordPublish(routingKey, result string, duration time.Duration) {
	BrokerMessagesPublished.WithLabelValues(routingKey, result).Inc()
	BrokerPublishDuration.Observe(duration.Seconds())
}

// RecordDelivery records how a delivery was settled.
func RecordDelivery(queue string, acked bool) {
	outcome := "reject"
	if acked {
		outcome = "ack"
	}
	BrokerDeliveries.WithLabelValues(queue, outcome).Inc()
}

// SetDeadLetterDepth records the last observed DLQ depth.
func SetDeadLetterDepth(depth int) {
	DeadLetterQueueDepth.Set(float64(depth))
}

// RecordEvent records a routed event outcome.
func RecordEvent(routingKey, outcome string) {
	EventsConsumed.WithLabelValues(routingKey, outcome).Inc()
}

// RecordHandlerDuration records handler latency.
func RecordHandlerDuration(routingKey string, duration time.Duration) {
	EventHandlerDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
}

// RecordRejection records a message sent to the dead-letter queue.
func RecordRejection(category string) {
	EventsRejected.WithLabelValues(category).Inc()
}

// RecordInvariantViolation counts an invariant violation.
func RecordInvariantViolation() {
	InvariantViolations.Inc()
}

// RecordXPAwarded records XP granted for reason.
func RecordXPAwarded(reason string, amount int64) {
	if amount <= 0 {
		return
	}
	XPAwarded.WithLabelValues(reason).Add(float64(amount))
}

// RecordLevelUp counts a level change.
func RecordLevelUp() {
	LevelUps.Inc()
}

// RecordStreakActivation counts an activated day.
func RecordStreakActivation() {
	StreakActivations.Inc()
}

// RecordStreakBroken counts a streak reset.
func RecordStreakBroken() {
	StreaksBroken.Inc()
}

// RecordAchievementUnlocked counts an unlock by milestone label.
func RecordAchievementUnlocked(milestone string) {
	AchievementsUnlocked.WithLabelValues(milestone).Inc()
}

// RecordStoreTransaction records store latency by operation.
func RecordStoreTransaction(operation string, duration time.Duration) {
	StoreTransactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStoreConflict counts a badger transaction conflict.
func RecordStoreConflict() {
	StoreConflicts.Inc()
}

// SetOutboxPending records the number of unpublished outbox rows.
func SetOutboxPending(n int) {
	OutboxPending.Set(float64(n))
}

// RecordOutboxRelay records a relay attempt.
func RecordOutboxRelay(success bool) {
	if success {
		OutboxRelayed.WithLabelValues("published").Inc()
		return
	}
	OutboxRelayed.WithLabelValues("failed").Inc()
}

// RecordUserLookup records a user directory result.
func RecordUserLookup(result string) {
	UserLookups.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState records a breaker state (0=closed, 1=half-open, 2=open).
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker state change.
func RecordCircuitBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}
