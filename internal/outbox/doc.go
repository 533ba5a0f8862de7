// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package outbox publishes the outbound events that store.Update persisted
// alongside each state change.
//
// The processor hands committed rows to Relay.Deliver right after commit.
// Anything that could not be published then (broker down, nack, timeout)
// stays in the store and is picked up by the periodic Flush once the broker
// is connected again. Delivery is at least once.
package outbox
