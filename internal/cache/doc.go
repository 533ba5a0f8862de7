// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package cache provides a generic, thread-safe LRU cache with TTL expiry.

Two components use it:
  - the event processor keeps recently committed messageIds so duplicate
    redeliveries are acked without a store transaction
  - the user directory caches identity lookups to spare the user service

# Usage

	seen := cache.NewLRU[string, struct{}](10000, time.Hour)
	if seen.Contains(msgID) {
	    return nil // already applied
	}
	// ... commit ...
	seen.Add(msgID, struct{}{})

Expiry is lazy. Call CleanupExpired periodically if memory matters more
than the occasional stale slot.
*/
package cache
