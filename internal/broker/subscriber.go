// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys set on bridged watermill messages.
const (
	MetadataRoutingKey  = "routing_key"
	MetadataQueue       = "queue"
	MetadataRedelivered = "redelivered"
)

// Subscriber adapts Client consumers to watermill's message.Subscriber.
// The topic is a queue name. Ack maps to basic.ack and Nack to
// basic.reject without requeue, which dead-letters the message.
type Subscriber struct {
	client *Client
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	subs      sync.WaitGroup
}

var _ message.Subscriber = (*Subscriber)(nil)

// NewSubscriber returns a watermill subscriber backed by client.
func NewSubscriber(client *Client, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		client:  client,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Subscribe consumes queue. The returned channel closes when ctx is canceled
// or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)

	cons, err := s.client.Consume(subCtx, queue, func(ctx context.Context, d *Delivery) {
		s.forward(ctx, queue, d, out)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", queue, err)
	}

	s.subs.Add(1)
	go func() {
		defer s.subs.Done()
		select {
		case <-subCtx.Done():
		case <-s.closing:
		}
		cancel()
		cons.Stop()
		close(out)
		s.logger.Debug("Subscription closed", watermill.LogFields{"queue": queue})
	}()

	return out, nil
}

// forward hands d to the router and settles it from the router's verdict.
func (s *Subscriber) forward(ctx context.Context, queue string, d *Delivery, out chan<- *message.Message) {
	uuid := d.MessageId
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, d.Body)
	msg.Metadata.Set(MetadataRoutingKey, d.RoutingKey)
	msg.Metadata.Set(MetadataQueue, queue)
	if d.Redelivered {
		msg.Metadata.Set(MetadataRedelivered, "true")
	}
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			msg.Metadata.Set(k, str)
		}
	}

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return
	}

	select {
	case <-msg.Acked():
		if err := d.Ack(); err != nil {
			s.logger.Error("Failed to ack delivery", err, watermill.LogFields{"message_uuid": uuid})
		}
	case <-msg.Nacked():
		if ctx.Err() != nil {
			// Shutting down: leave it unsettled so it is redelivered.
			return
		}
		if err := d.Reject(false); err != nil {
			s.logger.Error("Failed to reject delivery", err, watermill.LogFields{"message_uuid": uuid})
		}
	case <-ctx.Done():
	}
}

// Close stops every subscription and waits for the output channels to close.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.subs.Wait()
	return nil
}
