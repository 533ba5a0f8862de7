// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
)

// Metadata keys set on each message once its envelope is decoded.
const (
	MetadataMessageID = "message_id"
	MetadataEventKey  = "event_routing_key"
	MetadataSource    = "source"
)

const (
	eventsHandlerName  = "study-events"
	defaultCloseWait   = 30 * time.Second
	defaultRetryPeriod = 200 * time.Millisecond
)

// RouterConfig holds configuration for the Watermill Router.
type RouterConfig struct {
	// Queue is the input queue consumed by the router.
	Queue string

	// CloseTimeout is how long to wait for handlers to finish when closing.
	CloseTimeout time.Duration

	// RetryMaxAttempts is the total number of tries for a retryable
	// failure, including the first. 0 or 1 disables retries.
	RetryMaxAttempts int
	RetryInterval    time.Duration

	// HandlerTimeout bounds each message's context; 0 disables it.
	HandlerTimeout time.Duration
}

// NewRouterConfig builds the router settings for the service input queue.
func NewRouterConfig(cfg config.RouterConfig, queue string) RouterConfig {
	return RouterConfig{
		Queue:            queue,
		CloseTimeout:     cfg.CloseTimeout,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryInterval:    cfg.RetryInterval,
		HandlerTimeout:   cfg.HandlerTimeout,
	}
}

// RouterStats holds runtime counters for the Router.
type RouterStats struct {
	MessagesReceived  int64 `json:"messages_received"`
	MessagesProcessed int64 `json:"messages_processed"`
	MessagesRejected  int64 `json:"messages_rejected"`
	MessagesRetried   int64 `json:"messages_retried"`
}

// Router wraps the Watermill Router with the study event pipeline. Every
// delivery on the input queue is decoded, dispatched and then acked, or
// rejected to the DLQ when the handler fails.
type Router struct {
	router     *message.Router
	config     RouterConfig
	logger     watermill.LoggerAdapter
	dispatcher *Dispatcher
	running    atomic.Bool

	received  atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	retried   atomic.Int64
}

// NewRouter creates a router consuming cfg.Queue from sub.
//
// Middleware, outer to inner:
//   - rejection logging and metrics
//   - Recoverer, so a panicking handler rejects instead of crashing
//   - Timeout on the message context
//   - retry of RetryableError with a constant interval
func NewRouter(cfg RouterConfig, sub message.Subscriber, d *Dispatcher, logger watermill.LoggerAdapter) (*Router, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("%w: router queue is required", ErrInvalidConfig)
	}
	if sub == nil || d == nil {
		return nil, fmt.Errorf("%w: subscriber and dispatcher are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseWait
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryPeriod
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:     wmRouter,
		config:     cfg,
		logger:     logger,
		dispatcher: d,
	}

	wmRouter.AddMiddleware(r.rejections)
	wmRouter.AddMiddleware(middleware.Recoverer)
	if cfg.HandlerTimeout > 0 {
		wmRouter.AddMiddleware(middleware.Timeout(cfg.HandlerTimeout))
	}
	if cfg.RetryMaxAttempts > 1 {
		wmRouter.AddMiddleware(r.retryTransient)
	}

	wmRouter.AddConsumerHandler(eventsHandlerName, cfg.Queue, sub, r.handleMessage)
	return r, nil
}

// handleMessage decodes the envelope and dispatches it.
func (r *Router) handleMessage(msg *message.Message) error {
	env, err := broker.DecodeEnvelope(msg.Payload)
	if err != nil {
		return Classify("decode envelope", err)
	}
	msg.Metadata.Set(MetadataMessageID, env.MessageID)
	msg.Metadata.Set(MetadataEventKey, env.RoutingKey)
	msg.Metadata.Set(MetadataSource, env.Source)

	ctx := logging.ContextWithCorrelationID(msg.Context(), env.MessageID)
	ctx = logging.ContextWithMessageID(ctx, env.MessageID)
	ctx = logging.ContextWithLogger(ctx, logging.LoggerFromContext(ctx).With().Str("routing_key", env.RoutingKey).Logger())

	return r.dispatcher.Dispatch(ctx, env)
}

// retryTransient re-runs the handler while it returns a RetryableError.
func (r *Router) retryTransient(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		var produced []*message.Message
		op := func() error {
			var err error
			produced, err = h(msg)
			if err != nil && !IsRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(r.config.RetryInterval), uint64(r.config.RetryMaxAttempts-1)),
			msg.Context(),
		)
		err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
			r.retried.Add(1)
			r.logger.Info("Retrying message", watermill.LogFields{
				"message_uuid": msg.UUID,
				"wait":         wait.String(),
				"error":        err.Error(),
			})
		})
		return produced, err
	}
}

// rejections counts outcomes and logs every message that is about to be
// rejected to the DLQ.
func (r *Router) rejections(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		r.received.Add(1)
		produced, err := h(msg)
		if err == nil {
			r.processed.Add(1)
			return produced, nil
		}
		if errors.Is(err, context.Canceled) && msg.Context().Err() != nil {
			// Shutdown; the subscriber leaves the delivery for redelivery.
			return produced, err
		}

		r.rejected.Add(1)
		category := CategoryOf(err)
		if category == ErrorCategoryInvariant {
			metrics.RecordInvariantViolation()
		}
		metrics.RecordRejection(category.String())
		if key := msg.Metadata.Get(MetadataEventKey); key != "" {
			metrics.RecordEvent(key, "rejected")
		}

		level := logging.Warn()
		if category == ErrorCategoryInvariant || category == ErrorCategoryUnknown {
			level = logging.Error()
		}
		level.Err(err).
			Str("message_id", msg.Metadata.Get(MetadataMessageID)).
			Str("routing_key", msg.Metadata.Get(MetadataEventKey)).
			Str("amqp_routing_key", msg.Metadata.Get(broker.MetadataRoutingKey)).
			Str("source", msg.Metadata.Get(MetadataSource)).
			Str("category", category.String()).
			Msg("Rejecting message to dead-letter queue")
		return produced, err
	}
}

// Run starts the router and blocks until context cancellation or Close().
func (r *Router) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)
	return r.router.Run(ctx)
}

// Running returns a channel that closes when the router is running.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close gracefully stops the router.
// Waits for in-flight messages to complete up to CloseTimeout.
func (r *Router) Close() error {
	return r.router.Close()
}

// IsRunning returns whether the router is currently processing messages.
func (r *Router) IsRunning() bool {
	return r.running.Load()
}

// Stats returns the runtime counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		MessagesReceived:  r.received.Load(),
		MessagesProcessed: r.processed.Load(),
		MessagesRejected:  r.rejected.Load(),
		MessagesRetried:   r.retried.Load(),
	}
}

// HealthCheck implements HealthCheckable.
func (r *Router) HealthCheck(ctx context.Context) ComponentHealth {
	stats := r.Stats()
	health := ComponentHealth{
		Name:      "router",
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"queue":              r.config.Queue,
			"patterns":           r.dispatcher.Patterns(),
			"messages_received":  stats.MessagesReceived,
			"messages_processed": stats.MessagesProcessed,
			"messages_rejected":  stats.MessagesRejected,
			"messages_retried":   stats.MessagesRetried,
		},
	}

	if r.IsRunning() {
		health.Healthy = true
		health.Message = "Router is running"
	} else {
		health.Healthy = false
		health.Error = "Router is not running"
	}
	return health
}
