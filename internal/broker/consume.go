// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tomtom215/questline/internal/metrics"
)

// Delivery is one consumed message. Exactly one of Ack or Reject takes
// effect; later calls are no-ops.
type Delivery struct {
	amqp.Delivery

	queue   string
	mu      sync.Mutex
	settled bool
}

// Ack acknowledges successful processing.
func (d *Delivery) Ack() error {
	if !d.settle() {
		return nil
	}
	metrics.RecordDelivery(d.queue, true)
	return d.Delivery.Ack(false)
}

// Reject refuses the message. With requeue false the queue dead-letters it.
func (d *Delivery) Reject(requeue bool) error {
	if !d.settle() {
		return nil
	}
	metrics.RecordDelivery(d.queue, false)
	return d.Delivery.Reject(requeue)
}

// Settled reports whether Ack or Reject was called.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// Handler processes one delivery and must Ack or Reject it. A delivery left
// unsettled is requeued.
type Handler func(ctx context.Context, d *Delivery)

// Consumer is a registered handler on one queue. It survives reconnects:
// each new connection gets a fresh channel and worker pool.
type Consumer struct {
	client  *Client
	queue   string
	tag     string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	ch      amqpChannel
	stopped bool
	workers sync.WaitGroup
	done    chan struct{}
}

// Consume registers handler on queue. Up to Concurrency deliveries are
// processed at once (prefetch equals the worker count). The consumer runs
// until ctx is canceled, Stop is called or the client is closed.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) (*Consumer, error) {
	consCtx, cancel := context.WithCancel(ctx)
	cons := &Consumer{
		client:  c,
		queue:   queue,
		tag:     fmt.Sprintf("%s-%s", c.cfg.ServiceName, uuid.New().String()[:8]),
		handler: handler,
		ctx:     consCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if c.state == StateUnavailable {
		c.mu.Unlock()
		cancel()
		return nil, ErrUnavailable
	}
	c.consumers[cons] = struct{}{}
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.startConsumer(conn, cons); err != nil {
			c.removeConsumer(cons)
			cancel()
			close(cons.done)
			return nil, err
		}
	}

	go func() {
		<-consCtx.Done()
		cons.Stop()
	}()

	c.log.Info().Str("queue", queue).Str("consumer", cons.tag).Int("concurrency", c.cfg.Concurrency).Msg("Consumer registered")
	return cons, nil
}

func (c *Client) removeConsumer(cons *Consumer) {
	c.mu.Lock()
	delete(c.consumers, cons)
	c.mu.Unlock()
}

func (c *Client) startConsumer(conn amqpConnection, cons *Consumer) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch on %s: %w", cons.queue, err)
	}
	deliveries, err := ch.Consume(cons.queue, cons.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", cons.queue, err)
	}

	cons.mu.Lock()
	if cons.stopped {
		cons.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	cons.ch = ch
	for i := 0; i < c.cfg.Concurrency; i++ {
		cons.workers.Add(1)
		go cons.work(deliveries)
	}
	cons.mu.Unlock()
	return nil
}

// work drains deliveries until the channel closes, which happens on
// reconnect, Stop or Close.
func (cons *Consumer) work(deliveries <-chan amqp.Delivery) {
	defer cons.workers.Done()
	for d := range deliveries {
		del := &Delivery{Delivery: d, queue: cons.queue}
		cons.handler(cons.ctx, del)
		if !del.Settled() {
			cons.client.log.Warn().
				Str("queue", cons.queue).
				Str("message_id", d.MessageId).
				Msg("Handler left delivery unsettled, requeueing")
			_ = del.Reject(true)
		}
	}
}

// Queue returns the consumed queue name.
func (cons *Consumer) Queue() string {
	return cons.queue
}

// Done is closed once the consumer has stopped and its workers exited.
func (cons *Consumer) Done() <-chan struct{} {
	return cons.done
}

// Stop cancels the consumer, closes its channel and waits for in-flight
// handlers. Unacked deliveries return to the queue.
func (cons *Consumer) Stop() {
	cons.mu.Lock()
	if cons.stopped {
		cons.mu.Unlock()
		<-cons.done
		return
	}
	cons.stopped = true
	ch := cons.ch
	cons.ch = nil
	cons.mu.Unlock()

	cons.cancel()
	cons.client.removeConsumer(cons)
	if ch != nil {
		_ = ch.Close()
	}
	cons.workers.Wait()
	close(cons.done)
}
