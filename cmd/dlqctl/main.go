// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Command dlqctl inspects and replays the service's dead-letter queue.
//
//	dlqctl stats              print the DLQ depth
//	dlqctl peek -n 10         print up to 10 dead letters, leaving them queued
//	dlqctl replay -n 100      republish up to 100 dead letters with their
//	                          original routing key, then remove them
//
// It reads the same configuration as the server (CONFIG_PATH, RABBITMQ_URL,
// SERVICE_NAME, ...).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/logging"
)

func main() {
	root := newRootCmd(connectFromConfig)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connectFromConfig loads the service configuration and connects a broker
// client. The client does not retry: an operator tool should fail fast.
func connectFromConfig(ctx context.Context) (dlqClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: "warn", Format: "console", Output: os.Stderr})

	bcfg := cfg.Broker
	bcfg.MaxReconnectAttempts = 0
	client := broker.New(bcfg)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
