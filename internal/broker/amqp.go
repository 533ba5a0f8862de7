// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpConnection is the subset of *amqp.Connection the client uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// amqpChannel is the subset of *amqp.Channel the client uses. Publish folds
// PublishWithDeferredConfirmWithContext into a mockable confirmation.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// confirmation is satisfied by *amqp.DeferredConfirmation.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// dialFunc opens a connection. Tests replace it with an in-memory broker.
type dialFunc func(url string, timeout time.Duration, name string) (amqpConnection, error)

func dialAMQP(url string, timeout time.Duration, name string) (amqpConnection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

type realConnection struct {
	*amqp.Connection
}

func (c realConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return realChannel{ch}, nil
}

type realChannel struct {
	*amqp.Channel
}

func (c realChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil || dc == nil {
		// dc is nil when the channel is not in confirm mode.
		return nil, err
	}
	return dc, nil
}
