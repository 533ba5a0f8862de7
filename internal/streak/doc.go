// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package streak tracks consecutive study days per user.

A Record accumulates study minutes for the current local day. The first time
the day's total reaches the record's target the day is "activated": the
streak counter advances and the longest streak is raised if needed. At most
one activation happens per local calendar day.

Days are evaluated in the record's own IANA timezone, so "midnight" means
the user's local midnight, not UTC. Rollover is lazy: every RecordStudy call
runs CheckRollover first, and the Sweeper service runs it periodically so
idle records do not keep stale counters. When a new day starts and the
previous local day was not activated the streak drops to zero.

Milestones (3, 7, 15, 30, 60, 100, 150, 200 and 365 days by default) unlock
achievements exactly once per user. CheckAchievements is append-only over an
Achievements set supplied by the caller.

Tracker methods mutate the Record passed in and perform no I/O. Persistence
and per-user serialization are the caller's job.
*/
package streak
