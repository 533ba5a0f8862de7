// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package streak

import "errors"

var (
	// ErrInvalidConfig is returned by NewTracker.
	ErrInvalidConfig = errors.New("invalid streak configuration")

	// ErrInvalidInput is returned for negative study minutes.
	ErrInvalidInput = errors.New("invalid streak input")

	// ErrInvariantViolation means a record is, or would become, inconsistent.
	ErrInvariantViolation = errors.New("streak invariant violation")
)
