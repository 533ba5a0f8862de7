// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import "errors"

var (
	// ErrNotConnected is returned by Publish when the client is not Connected.
	// Nothing is queued; callers decide whether to retry.
	ErrNotConnected = errors.New("broker not connected")

	// ErrUnavailable means reconnection gave up after MaxReconnectAttempts.
	ErrUnavailable = errors.New("broker unavailable: reconnect attempts exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker client closed")

	// ErrPublishNacked means the broker refused a publish under confirms.
	ErrPublishNacked = errors.New("publish not acknowledged by broker")

	// ErrMalformedEnvelope wraps every envelope decoding failure.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrInvalidRoutingKey is returned for empty or wildcard publish keys.
	ErrInvalidRoutingKey = errors.New("invalid routing key")
)
