// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package services

import (
	"context"
	"fmt"
)

// StartStopper is a background component with its own goroutine.
//
// Satisfied by:
//   - *periodic.Loop (store value-log GC)
//   - *outbox.Relay
//   - *eventprocessor.Sweeper
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	Name() string
}

// LifecycleService runs a StartStopper under suture.
//
// Serve calls Start, blocks until ctx is canceled, then calls Stop, which
// waits for the component's goroutine to exit. A failed Start is returned so
// suture restarts the service with backoff.
//
//	relay := outbox.NewRelay(client, st, cfg.Outbox)
//	tree.AddDataService(services.NewLifecycleService(relay))
type LifecycleService struct {
	component StartStopper
}

// NewLifecycleService wraps component.
func NewLifecycleService(component StartStopper) *LifecycleService {
	return &LifecycleService{component: component}
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.component.Name(), err)
	}

	<-ctx.Done()

	s.component.Stop()
	return ctx.Err()
}

// String identifies the service in suture logs.
func (s *LifecycleService) String() string {
	return s.component.Name()
}
