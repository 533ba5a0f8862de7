// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package store

import "errors"

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrAlreadyProcessed means the mutation's messageId was committed before.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrConflict means a concurrent transaction touched the same keys.
	// The mutation had no effect and can be retried.
	ErrConflict = errors.New("store transaction conflict")

	// ErrEmptyUserID is returned for mutations without a user.
	ErrEmptyUserID = errors.New("user ID cannot be empty")

	// ErrNotFound is returned by point reads for missing records.
	ErrNotFound = errors.New("record not found")
)
