// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package store persists gamification state in BadgerDB.

# Layout

	acct:<userId>        Account (JSON)
	streak:<userId>      streak.Record (JSON)
	ach:<userId>         []streak.Unlock, insert-only
	msg:<messageId>      processed marker, expires after IdempotencyTTL
	outbox:<nanos>:<id>  OutboxMessage awaiting publish

# Mutations

Update runs one serializable transaction per message. It checks the processed
marker, loads the user's records, calls Mutation.Apply, writes whatever Apply
changed together with the outbox rows, and records the marker. Either all of
it commits or none of it does, so a crash between consuming and acking a
message can only lead to a redelivery that Update reports as
ErrAlreadyProcessed.

Concurrent transactions on the same keys fail with ErrConflict. Callers
serialize per user and treat ErrConflict as retryable.
*/
package store
