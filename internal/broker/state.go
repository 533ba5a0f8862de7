// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

// State is the connection lifecycle state.
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Disconnected -> Reconnecting -> Connected
//	Reconnecting -> Unavailable (terminal)
type State int

// Values double as the questline_broker_state gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
