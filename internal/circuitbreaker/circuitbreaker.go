// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package circuitbreaker builds gobreaker circuit breakers that report their
// state through logging and metrics.
package circuitbreaker

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
)

// Config holds circuit breaker settings.
type Config struct {
	Name             string
	MaxRequests      uint32        // Allowed in half-open state
	Interval         time.Duration // Reset interval for counts
	Timeout          time.Duration // Time to stay open
	FailureThreshold uint32        // Consecutive failures before opening

	// IsSuccessful classifies errors that should not count as failures,
	// e.g. a definitive "not found" from a healthy dependency.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns production defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// New creates a circuit breaker for calls returning T.
func New[T any](cfg Config) *gobreaker.CircuitBreaker[T] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	threshold := cfg.FailureThreshold

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, StateValue(to))
			metrics.RecordCircuitBreakerTransition(name, from.String(), to.String())
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	metrics.SetCircuitBreakerState(cfg.Name, StateValue(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[T](settings)
}

// StateValue maps a breaker state to the gauge value: 0 closed, 1 half-open, 2 open.
func StateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
