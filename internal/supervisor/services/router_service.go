// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/eventprocessor"
	"github.com/tomtom215/questline/internal/logging"
)

// EventRouter is the lifecycle surface of *eventprocessor.Router.
type EventRouter interface {
	Run(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) eventprocessor.ComponentHealth
}

// RouterFactory builds a fresh router. A watermill router cannot be run
// twice, so every restart asks for a new one.
type RouterFactory func() (EventRouter, error)

// RouterService runs the event router and rebuilds it after a crash.
type RouterService struct {
	factory RouterFactory
	name    string

	mu      sync.RWMutex
	current EventRouter
}

var _ eventprocessor.HealthCheckable = (*RouterService)(nil)

// NewRouterService returns a service building routers with factory.
func NewRouterService(factory RouterFactory) *RouterService {
	return &RouterService{factory: factory, name: "event-router"}
}

// Serve implements suture.Service.
func (s *RouterService) Serve(ctx context.Context) error {
	r, err := s.factory()
	if err != nil {
		return fmt.Errorf("build event router: %w", err)
	}
	s.setCurrent(r)
	defer s.setCurrent(nil)

	err = r.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, broker.ErrUnavailable) || errors.Is(err, broker.ErrClosed) {
		log := logging.WithComponent(s.name)
		log.Error().Err(err).Msg("Broker gone; event router stopping")
		return suture.ErrDoNotRestart
	}
	if err == nil {
		return fmt.Errorf("event router stopped unexpectedly")
	}
	return fmt.Errorf("event router: %w", err)
}

func (s *RouterService) setCurrent(r EventRouter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r
}

// HealthCheck reports the running router's health.
func (s *RouterService) HealthCheck(ctx context.Context) eventprocessor.ComponentHealth {
	s.mu.RLock()
	r := s.current
	s.mu.RUnlock()

	if r == nil {
		return eventprocessor.ComponentHealth{
			Name:      "router",
			Healthy:   false,
			LastCheck: time.Now(),
			Error:     "Router is not running",
		}
	}
	return r.HealthCheck(ctx)
}

// String identifies the service in suture logs.
func (s *RouterService) String() string {
	return s.name
}
