// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package metrics provides Prometheus metrics for the gamification pipeline.

Collectors are registered with the default registry through promauto and are
exposed by the HTTP server at /metrics:

	curl http://localhost:9090/metrics

# Available Metrics

Broker:
  - questline_broker_state: client state (gauge)
  - questline_broker_reconnect_attempts_total (counter)
  - questline_broker_connections_total{result}
  - questline_broker_messages_published_total{routing_key,result}
  - questline_broker_publish_duration_seconds (histogram)
  - questline_broker_deliveries_total{queue,outcome}
  - questline_dlq_depth (gauge)

Event router:
  - questline_events_consumed_total{routing_key,outcome}
  - questline_event_handler_duration_seconds{routing_key}
  - questline_events_rejected_total{category}
  - questline_invariant_violations_total

Gamification:
  - questline_xp_awarded_total{reason}
  - questline_level_ups_total
  - questline_streak_activations_total
  - questline_streaks_broken_total
  - questline_achievements_unlocked_total{milestone}

Store and outbox:
  - questline_store_transaction_duration_seconds{operation}
  - questline_store_conflicts_total
  - questline_outbox_pending (gauge)
  - questline_outbox_relayed_total{result}

Dependencies:
  - questline_user_lookups_total{result}
  - questline_circuit_breaker_state{name}
  - questline_circuit_breaker_state_transitions_total{name,from_state,to_state}

# Usage

Components call the Record* and Set* helpers rather than touching collectors
directly:

	metrics.RecordEvent("study.session.finalized", "processed")
	metrics.RecordXPAwarded("session_finalized", 119)

An alert on questline_invariant_violations_total > 0 catches engine bugs;
questline_broker_state == 4 means the broker client gave up reconnecting and
the process needs a restart.
*/
package metrics
