// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tomtom215/questline/internal/config"
)

// Topology is the set of exchanges, queues and bindings the service owns.
// Every declaration is idempotent, so it is re-run after each reconnect.
type Topology struct {
	Exchange   string
	InputQueue string
	Bindings   []string

	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
	DeadLetterTTL        time.Duration
}

// TopologyFor derives the topology from broker configuration.
func TopologyFor(cfg config.BrokerConfig) Topology {
	return Topology{
		Exchange:             cfg.Exchange,
		InputQueue:           cfg.InputQueue(),
		Bindings:             append([]string(nil), cfg.Bindings...),
		DeadLetterExchange:   cfg.DeadLetterExchange(),
		DeadLetterQueue:      cfg.DeadLetterQueue(),
		DeadLetterRoutingKey: cfg.DeadLetterRoutingKey(),
		DeadLetterTTL:        cfg.DeadLetterTTL,
	}
}

// Declare creates the topology on ch. The DLX and DLQ are declared first so
// rejects from the input queue always have somewhere to go.
func (t Topology) Declare(ch amqpChannel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	dlqArgs := amqp.Table{
		"x-message-ttl": t.DeadLetterTTL.Milliseconds(),
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterRoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	inputArgs := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterRoutingKey,
	}
	if _, err := ch.QueueDeclare(t.InputQueue, true, false, false, false, inputArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.InputQueue, err)
	}
	for _, key := range t.Bindings {
		if err := ch.QueueBind(t.InputQueue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", t.InputQueue, key, err)
		}
	}
	return nil
}
