// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package userdir validates user ids against the user service before any
// gamification state is created for them.
//
// Lookups are GET {base_url}/users/{id}. They are rate limited
// (golang.org/x/time/rate), coalesced per user (singleflight), guarded by a
// circuit breaker, and positive answers are cached in an LRU for cache_ttl.
// With no base_url configured every user is accepted.
package userdir
