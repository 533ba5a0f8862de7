// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultRabbitMQImage ships the management plugin so queues can be
	// inspected by hand while debugging.
	DefaultRabbitMQImage = "rabbitmq:3.13-management-alpine"

	// DefaultAMQPPort is the AMQP 0-9-1 listener.
	DefaultAMQPPort = "5672"

	defaultRabbitUser     = "questline"
	defaultRabbitPassword = "questline"
)

// RabbitMQContainer is a running broker for integration tests.
type RabbitMQContainer struct {
	testcontainers.Container

	// URL is an amqp:// URL with credentials.
	URL string
}

// RabbitMQOption configures the container.
type RabbitMQOption func(*rabbitConfig)

type rabbitConfig struct {
	image        string
	startTimeout time.Duration
}

// WithRabbitMQImage overrides the image.
func WithRabbitMQImage(image string) RabbitMQOption {
	return func(c *rabbitConfig) {
		c.image = image
	}
}

// WithStartTimeout bounds container startup.
func WithStartTimeout(timeout time.Duration) RabbitMQOption {
	return func(c *rabbitConfig) {
		c.startTimeout = timeout
	}
}

// NewRabbitMQContainer starts RabbitMQ and waits until an AMQP handshake
// succeeds. The log line alone is not enough: the listener accepts TCP
// before the default vhost exists.
//
//	rmq, err := testinfra.NewRabbitMQContainer(ctx)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer testinfra.CleanupContainer(t, ctx, rmq)
//	cfg.Broker.URL = rmq.URL
func NewRabbitMQContainer(ctx context.Context, opts ...RabbitMQOption) (*RabbitMQContainer, error) {
	cfg := &rabbitConfig{
		image:        DefaultRabbitMQImage,
		startTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.image,
		ExposedPorts: []string{DefaultAMQPPort + "/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": defaultRabbitUser,
			"RABBITMQ_DEFAULT_PASS": defaultRabbitPassword,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(DefaultAMQPPort+"/tcp"),
			wait.ForLog("Server startup complete"),
		).WithStartupTimeout(cfg.startTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, DefaultAMQPPort)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get mapped port: %w", err)
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%s/", defaultRabbitUser, defaultRabbitPassword, host, port.Port())
	err = WaitUntil(ctx, func(context.Context) error {
		conn, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		return conn.Close()
	}, 500*time.Millisecond, 30*time.Second)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("wait for amqp handshake: %w", err)
	}

	return &RabbitMQContainer{Container: container, URL: url}, nil
}
