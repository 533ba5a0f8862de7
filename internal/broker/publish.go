// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tomtom215/questline/internal/circuitbreaker"
	"github.com/tomtom215/questline/internal/metrics"
)

// Publish wraps data in an envelope and sends it to the topic exchange as a
// persistent message. It fails fast with ErrNotConnected when the client is
// not connected. With publisher confirms enabled it returns only after the
// broker has accepted the message.
func (c *Client) Publish(ctx context.Context, routingKey string, data interface{}, opts PublishOptions) (*Envelope, error) {
	env, err := NewEnvelope(routingKey, c.cfg.ServiceName, data, opts, c.now())
	if err != nil {
		return nil, err
	}
	body, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Timestamp:    env.Timestamp,
		AppId:        env.Source,
		Type:         routingKey,
		Headers:      amqp.Table(opts.Headers),
		Body:         body,
	}
	if err := c.publish(ctx, routingKey, msg); err != nil {
		return nil, err
	}
	return env, nil
}

// PublishRaw sends an already encoded envelope, e.g. a dead letter being
// replayed. Message properties are taken from the original delivery.
func (c *Client) PublishRaw(ctx context.Context, routingKey string, d amqp.Delivery) error {
	msg := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		AppId:        d.AppId,
		Type:         d.Type,
		Headers:      stripDeathHeaders(d.Headers),
		Body:         d.Body,
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	return c.publish(ctx, routingKey, msg)
}

func (c *Client) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	c.mu.RLock()
	ch, state, closed := c.ch, c.state, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if state != StateConnected || ch == nil {
		metrics.RecordPublish(routingKey, "not_connected", 0)
		return ErrNotConnected
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (struct{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
		defer cancel()

		conf, err := ch.Publish(pubCtx, c.topology.Exchange, routingKey, msg)
		if err != nil {
			return struct{}{}, fmt.Errorf("publish %s: %w", routingKey, err)
		}
		if conf == nil {
			return struct{}{}, nil
		}
		acked, err := conf.WaitContext(pubCtx)
		if err != nil {
			return struct{}{}, fmt.Errorf("await confirm for %s: %w", routingKey, err)
		}
		if !acked {
			return struct{}{}, ErrPublishNacked
		}
		return struct{}{}, nil
	})

	result := "ok"
	switch {
	case err == nil:
	case circuitbreaker.IsOpen(err):
		result = "breaker_open"
	case errors.Is(err, ErrPublishNacked):
		result = "nacked"
	default:
		result = "error"
	}
	metrics.RecordPublish(routingKey, result, time.Since(start))

	if err != nil {
		c.log.Warn().Err(err).Str("routing_key", routingKey).Str("message_id", msg.MessageId).Msg("Publish failed")
	}
	return err
}

// stripDeathHeaders drops the x-death bookkeeping RabbitMQ adds on
// dead-lettering so a replayed message starts clean.
func stripDeathHeaders(h amqp.Table) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	out := make(amqp.Table, len(h))
	for k, v := range h {
		switch k {
		case "x-death", "x-first-death-exchange", "x-first-death-queue", "x-first-death-reason",
			"x-last-death-exchange", "x-last-death-queue", "x-last-death-reason":
			continue
		}
		out[k] = v
	}
	return out
}
