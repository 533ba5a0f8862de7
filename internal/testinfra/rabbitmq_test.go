// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

//go:build integration

package testinfra

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/config"
)

// TestRabbitMQ_DeadLetterRoundTrip declares the topology on a real broker,
// rejects one message and checks it lands in the DLQ.
func TestRabbitMQ_DeadLetterRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	rmq, err := NewRabbitMQContainer(ctx)
	if err != nil {
		t.Fatalf("start rabbitmq: %v", err)
	}
	defer CleanupContainer(t, ctx, rmq)

	cfg := config.BrokerConfig{
		URL:                  rmq.URL,
		Exchange:             "study.events",
		ServiceName:          "gamification-it",
		Bindings:             []string{"session.#"},
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		ConnectTimeout:       10 * time.Second,
		PublishTimeout:       5 * time.Second,
		DeadLetterTTL:        time.Hour,
		Concurrency:          1,
		PublisherConfirms:    true,
	}
	client := broker.New(cfg)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	rejected := make(chan string, 1)
	if _, err := client.Consume(ctx, cfg.InputQueue(), func(ctx context.Context, d *broker.Delivery) {
		_ = d.Reject(false)
		rejected <- d.MessageId
	}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	env, err := client.Publish(ctx, "session.finalized", map[string]string{"userId": "u1"}, broker.PublishOptions{})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case id := <-rejected:
		if id != env.MessageID {
			t.Errorf("rejected %q, want %q", id, env.MessageID)
		}
	case <-ctx.Done():
		t.Fatal("message never delivered")
	}

	err = WaitUntil(ctx, func(ctx context.Context) error {
		depth, err := client.DeadLetterDepth(ctx)
		if err != nil {
			return err
		}
		if depth != 1 {
			return context.DeadlineExceeded
		}
		return nil
	}, 200*time.Millisecond, 10*time.Second)
	if err != nil {
		t.Fatalf("dead letter never arrived: %v", err)
	}
}
