// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package xp

import "errors"

var (
	// ErrInvalidRules is returned by NewEngine for unusable rules.
	ErrInvalidRules = errors.New("invalid XP rules")

	// ErrInvalidInput is returned for negative or inconsistent award inputs.
	ErrInvalidInput = errors.New("invalid XP input")

	// ErrNegativeXP indicates an attempt to lower a cumulative total.
	// Callers treat this as an invariant violation.
	ErrNegativeXP = errors.New("negative XP")

	// ErrXPCapExceeded indicates the award would push the total past the configured cap.
	ErrXPCapExceeded = errors.New("XP cap exceeded")
)
