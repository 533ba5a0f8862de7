// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package userdir

import "errors"

var (
	// ErrUserNotFound means the user service answered 404.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnavailable covers transport errors, unexpected statuses and an
	// open breaker. Callers should retry later.
	ErrUnavailable = errors.New("user directory unavailable")
)
