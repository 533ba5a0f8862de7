// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package broker is the AMQP 0-9-1 client for the shared topic exchange.
//
// # Topology
//
// On every (re)connect the client declares, idempotently:
//
//	<exchange>          durable topic exchange shared by all services
//	<exchange>.dlx      durable direct dead-letter exchange
//	<service>.dlq       dead-letter queue, x-message-ttl = DeadLetterTTL
//	<service>.events    input queue bound to each configured pattern,
//	                    dead-lettering to <exchange>.dlx / <service>.dead
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Connected
//	Connected -> (connection or channel closed) -> Reconnecting
//	Reconnecting -> Connected            (attempt succeeded)
//	Reconnecting -> Unavailable          (MaxReconnectAttempts exhausted)
//
// Attempts are spaced by a constant ReconnectDelay. Unavailable is terminal:
// Unavailable() is closed and the supervisor decides what happens next.
// Publish never queues; it fails with ErrNotConnected outside Connected.
//
// # Consuming
//
// Consume runs Concurrency workers per queue with prefetch equal to the
// worker count and manual acks. Handlers settle each Delivery with Ack or
// Reject; Reject(false) dead-letters. Consumers are re-established after a
// reconnect. Subscriber wraps this as a watermill message.Subscriber so the
// event router can sit on top.
//
// MemoryBroker is an in-process broker for tests.
package broker
