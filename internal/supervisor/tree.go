// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Layer names a child supervisor of the tree.
type Layer int

const (
	// LayerData holds services that own local state: store maintenance,
	// the outbox relay and the streak sweeper.
	LayerData Layer = iota
	// LayerMessaging holds the broker connection and the event router.
	LayerMessaging
	// LayerAPI holds the health and metrics HTTP server.
	LayerAPI
)

// String returns the supervisor name of the layer.
func (l Layer) String() string {
	switch l {
	case LayerData:
		return "data-layer"
	case LayerMessaging:
		return "messaging-layer"
	case LayerAPI:
		return "api-layer"
	default:
		return fmt.Sprintf("layer-%d", int(l))
	}
}

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service may take to stop.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c TreeConfig) withDefaults() TreeConfig {
	d := DefaultTreeConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// SupervisorTree is the process supervisor for Questline.
//
//	questline
//	├── data-layer       store GC, outbox relay, streak sweeper
//	├── messaging-layer  broker connection, event router
//	└── api-layer        health and metrics server
//
// A router crash is restarted inside the messaging layer while /health keeps
// answering from the api layer.
type SupervisorTree struct {
	root   *suture.Supervisor
	layers map[Layer]*suture.Supervisor
	logger *slog.Logger
	config TreeConfig
}

// NewSupervisorTree builds the tree. Zero config fields take defaults.
func NewSupervisorTree(logger *slog.Logger, config TreeConfig) (*SupervisorTree, error) {
	if logger == nil {
		return nil, fmt.Errorf("supervisor tree: logger is required")
	}
	config = config.withDefaults()

	// MustHook has a pointer receiver.
	eventHook := (&sutureslog.Handler{Logger: logger}).MustHook()

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = eventHook

	t := &SupervisorTree{
		root:   suture.New("questline", rootSpec),
		layers: make(map[Layer]*suture.Supervisor, 3),
		logger: logger,
		config: config,
	}
	// Children inherit the root's event hook once added.
	for _, l := range []Layer{LayerData, LayerMessaging, LayerAPI} {
		sup := suture.New(l.String(), spec)
		t.layers[l] = sup
		t.root.Add(sup)
	}
	return t, nil
}

// Root returns the root supervisor.
func (t *SupervisorTree) Root() *suture.Supervisor {
	return t.root
}

// Add registers svc under layer.
func (t *SupervisorTree) Add(layer Layer, svc suture.Service) (suture.ServiceToken, error) {
	sup, ok := t.layers[layer]
	if !ok {
		return suture.ServiceToken{}, fmt.Errorf("supervisor tree: unknown layer %s", layer)
	}
	return sup.Add(svc), nil
}

// AddDataService adds a service to the data layer.
func (t *SupervisorTree) AddDataService(svc suture.Service) suture.ServiceToken {
	return t.layers[LayerData].Add(svc)
}

// AddMessagingService adds a service to the messaging layer.
func (t *SupervisorTree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.layers[LayerMessaging].Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *SupervisorTree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.layers[LayerAPI].Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	t.logger.Info("supervisor tree starting", "shutdown_timeout", t.config.ShutdownTimeout)
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel receives the
// result once the tree stops.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that overran the shutdown timeout.
func (t *SupervisorTree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// RemoveAndWait removes a service from layer and waits for it to stop.
func (t *SupervisorTree) RemoveAndWait(layer Layer, token suture.ServiceToken, timeout time.Duration) error {
	sup, ok := t.layers[layer]
	if !ok {
		return fmt.Errorf("supervisor tree: unknown layer %s", layer)
	}
	return sup.RemoveAndWait(token, timeout)
}
