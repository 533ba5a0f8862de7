// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/eventprocessor"
	"github.com/tomtom215/questline/internal/httpserver"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/outbox"
	"github.com/tomtom215/questline/internal/store"
	"github.com/tomtom215/questline/internal/streak"
	"github.com/tomtom215/questline/internal/supervisor"
	"github.com/tomtom215/questline/internal/supervisor/services"
	"github.com/tomtom215/questline/internal/userdir"
	"github.com/tomtom215/questline/internal/xp"
)

// app holds the wired components. Everything long-lived runs in tree.
type app struct {
	cfg    *config.Config
	store  *store.Store
	client *broker.Client
	health *eventprocessor.HealthChecker
	router *services.RouterService
	tree   *supervisor.SupervisorTree
}

// newApp builds every component from cfg. brokerOpts are passed to the
// broker client.
func newApp(cfg *config.Config, brokerOpts ...broker.Option) (*app, error) {
	st, err := store.Open(store.Options{
		Path:           cfg.Store.Path,
		InMemory:       cfg.Store.InMemory,
		SyncWrites:     cfg.Store.SyncWrites,
		IdempotencyTTL: cfg.Store.IdempotencyTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a, err := wire(cfg, st, brokerOpts)
	if err != nil {
		if cerr := st.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("Error closing store")
		}
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, st *store.Store, brokerOpts []broker.Option) (*app, error) {
	tracker, err := streak.NewTracker(streak.Config{
		TargetMinutes:   cfg.Streak.TargetMinutes,
		Milestones:      cfg.Streak.Milestones,
		DefaultTimezone: cfg.Streak.DefaultTimezone,
	})
	if err != nil {
		return nil, fmt.Errorf("streak tracker: %w", err)
	}

	client := broker.New(cfg.Broker, brokerOpts...)
	users := userdir.New(cfg.Users)
	relay := outbox.NewRelay(client, st, cfg.Outbox)

	proc, err := eventprocessor.NewProcessor(st, xp.Default(), tracker, eventprocessor.ProcessorConfig{
		MaxTotalXP:     cfg.XP.MaxTotalXP,
		DedupCacheSize: cfg.Router.DedupCacheSize,
		DedupTTL:       cfg.Store.IdempotencyTTL,
	}, eventprocessor.WithUserDirectory(users), eventprocessor.WithDeliverer(relay))
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}

	dispatcher := eventprocessor.NewDispatcher()
	if err := proc.Register(dispatcher); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	routerCfg := eventprocessor.NewRouterConfig(cfg.Router, cfg.Broker.InputQueue())
	routerSvc := services.NewRouterService(func() (services.EventRouter, error) {
		logger := logging.NewWatermillAdapter()
		r, err := eventprocessor.NewRouter(routerCfg, broker.NewSubscriber(client, logger), dispatcher, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	})

	health := eventprocessor.NewHealthChecker(eventprocessor.DefaultHealthConfig())
	health.RegisterComponent("broker", eventprocessor.NewBrokerHealth(client))
	health.RegisterComponent("router", routerSvc)
	health.RegisterComponent("store", eventprocessor.NewDependencyHealth(st.HealthCheck, true))
	health.RegisterComponent("user_directory", eventprocessor.NewDependencyHealth(users.HealthCheck, false))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: shutdownTimeout(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor tree: %w", err)
	}

	if cfg.Store.GCInterval > 0 && !cfg.Store.InMemory {
		tree.AddDataService(services.NewLifecycleService(store.NewMaintenanceLoop(st, cfg.Store.GCInterval)))
	}
	tree.AddDataService(services.NewLifecycleService(relay))
	if cfg.Streak.SweepInterval > 0 {
		tree.AddDataService(services.NewLifecycleService(eventprocessor.NewSweeper(proc, st, cfg.Streak.SweepInterval)))
	}
	tree.AddMessagingService(services.NewBrokerService(client))
	tree.AddMessagingService(routerSvc)
	server := httpserver.NewServer(cfg.Server, httpserver.NewHandler(health, cfg.Server.HealthRateLimit))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	return &app{
		cfg:    cfg,
		store:  st,
		client: client,
		health: health,
		router: routerSvc,
		tree:   tree,
	}, nil
}

// run serves the tree until ctx is canceled, then closes the store.
func (a *app) run(ctx context.Context) error {
	err := a.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if report, rerr := a.tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop before the shutdown timeout")
		}
	}
	// The broker service closes the client on shutdown; this covers a tree
	// that stopped before it ran.
	if cerr := a.client.Close(); cerr != nil {
		logging.Error().Err(cerr).Msg("Error closing broker client")
	}
	if cerr := a.store.Close(); cerr != nil {
		logging.Error().Err(cerr).Msg("Error closing store")
		if err == nil {
			err = cerr
		}
	}
	return err
}

// shutdownTimeout gives every service time to drain: the router waits up to
// its close timeout for in-flight handlers, the HTTP server for open requests.
func shutdownTimeout(cfg *config.Config) time.Duration {
	d := cfg.Router.CloseTimeout
	if cfg.Server.ShutdownTimeout > d {
		d = cfg.Server.ShutdownTimeout
	}
	if d <= 0 {
		return 0
	}
	return d + time.Second
}
