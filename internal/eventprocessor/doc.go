// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package eventprocessor turns study events from the broker into durable
// gamification state.
//
// # Pipeline
//
//	<service>.events queue
//	        │  broker.Subscriber (watermill message.Subscriber)
//	        ▼
//	┌──────────────────────────────────────────┐
//	│ Router (watermill message.Router)        │
//	│   rejections → Recoverer → Timeout →     │
//	│   retryTransient → handleMessage         │
//	└───────────────┬──────────────────────────┘
//	                │ DecodeEnvelope
//	                ▼
//	         Dispatcher (exact key, then longest prefix)
//	                │
//	                ▼
//	         Processor ── per-user lock ── store.Update
//	                                        │ account, streak, unlocks,
//	                                        │ outbox rows, processed marker
//	                                        ▼
//	                                  outbox Deliver (fast path)
//
// A handler returning nil acks the delivery. Any error nacks it, which the
// subscriber turns into basic.reject without requeue, so the message lands
// in the dead-letter queue. Errors are classified first (see Classify):
// RetryableError is retried in process up to router.retry_max_attempts
// times, PermanentError is rejected at once. Unknown routing keys are acked.
//
// # Idempotency
//
// Each messageId is applied at most once. An LRU short-circuits recent
// redeliveries; the authoritative check is the processed marker written in
// the same badger transaction as the state change.
//
// # Events
//
// Consumed: study.session.created, study.session.finalized,
// study.exam.finalized. Produced: user.points.updated, user.level.changed,
// user.achievement.unlocked, user.streak.updated.
package eventprocessor
