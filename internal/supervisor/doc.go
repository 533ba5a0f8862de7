// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package supervisor runs Questline's long-lived services under suture v4.

# Tree

	questline
	├── data-layer
	│   ├── store-gc          (badger value-log GC)
	│   ├── outbox-relay      (publishes committed outbound events)
	│   └── streak-sweeper    (if streak.sweep_interval > 0)
	├── messaging-layer
	│   ├── broker-connection (connect, reconnect, give up)
	│   └── event-router      (rebuilt on every restart)
	└── api-layer
	    └── http-server       (/health, /health/live, /health/ready, /metrics)

Each layer counts failures on its own, so a crashing router never takes the
health endpoint down with it.

# Restart Policy

TreeConfig maps onto suture.Spec:

	FailureThreshold  5    failures before backoff
	FailureDecay      30s  failure counter half-life
	FailureBackoff    15s  pause once the threshold is crossed
	ShutdownTimeout   10s  per-service stop deadline

A service returning suture.ErrDoNotRestart is removed from its layer. The
broker connection does this once reconnection gives up: the outage is then
visible through /health/ready instead of a restart loop.

# Shutdown

Canceling the context passed to Serve stops services in reverse order
within each layer. Services that overrun ShutdownTimeout are listed by
UnstoppedServiceReport.

Events from suture (start, stop, failure, backoff) are written through
sutureslog to the slog logger passed to NewSupervisorTree.
*/
package supervisor
