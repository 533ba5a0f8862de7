// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func injectSession(t *testing.T, mem *MemoryBroker, id string) {
	t.Helper()
	mem.Inject("study.events", "session.finalized", amqp.Publishing{
		MessageId:   id,
		ContentType: "application/json",
		Body:        envelopeBody(t, id, "session.finalized", map[string]string{"userId": "u1"}),
	})
}

func TestConsumer_AckRemovesMessage(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	queue := c.Topology().InputQueue

	var mu sync.Mutex
	var seen []string
	_, err := c.Consume(context.Background(), queue, func(ctx context.Context, d *Delivery) {
		mu.Lock()
		seen = append(seen, d.MessageId)
		mu.Unlock()
		if err := d.Ack(); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
		// A second settle is a no-op.
		if err := d.Reject(false); err != nil {
			t.Errorf("Reject() after Ack error = %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		injectSession(t, mem, fmt.Sprintf("m-%d", i))
	}
	waitFor(t, "five deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})
	if mem.QueueLen(c.Topology().DeadLetterQueue) != 0 {
		t.Error("acked messages must not be dead-lettered")
	}
}

func TestConsumer_RejectDeadLetters(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	topo := c.Topology()

	_, err := c.Consume(context.Background(), topo.InputQueue, func(ctx context.Context, d *Delivery) {
		_ = d.Reject(false)
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	injectSession(t, mem, "poison")
	waitFor(t, "dead letter", func() bool { return mem.QueueLen(topo.DeadLetterQueue) == 1 })

	dead := mem.Messages(topo.DeadLetterQueue)[0]
	if dead.MessageId != "poison" {
		t.Errorf("dead letter id = %q", dead.MessageId)
	}
	if _, ok := dead.Headers["x-death"]; !ok {
		t.Error("dead letter should carry x-death")
	}
	if mem.QueueLen(topo.InputQueue) != 0 {
		t.Error("rejected message should leave the input queue")
	}
}

func TestConsumer_UnsettledIsRequeued(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	var calls atomic.Int32
	redelivered := make(chan bool, 1)

	_, err := c.Consume(context.Background(), c.Topology().InputQueue, func(ctx context.Context, d *Delivery) {
		if calls.Add(1) == 1 {
			return
		}
		_ = d.Ack()
		redelivered <- d.Redelivered
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	injectSession(t, mem, "m-1")
	select {
	case r := <-redelivered:
		if !r {
			t.Error("second delivery should be marked redelivered")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestConsumer_StopOnContextCancel(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cons, err := c.Consume(ctx, c.Topology().InputQueue, func(ctx context.Context, d *Delivery) {
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if cons.Queue() != c.Topology().InputQueue {
		t.Errorf("Queue() = %q", cons.Queue())
	}

	cancel()
	select {
	case <-cons.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}

	injectSession(t, mem, "after-stop")
	time.Sleep(20 * time.Millisecond)
	if mem.QueueLen(c.Topology().InputQueue) != 1 {
		t.Error("stopped consumer should not receive messages")
	}
	cons.Stop()
}

func TestConsumer_RegisteredWhileDisconnected(t *testing.T) {
	t.Parallel()

	c, mem := newTestClient(t, testBrokerConfig())
	got := make(chan string, 1)
	if _, err := c.Consume(context.Background(), "gamification.events", func(ctx context.Context, d *Delivery) {
		_ = d.Ack()
		got <- d.MessageId
	}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	injectSession(t, mem, "m-1")
	select {
	case id := <-got:
		if id != "m-1" {
			t.Errorf("got %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer registered before Connect never started")
	}
}

func TestConsumer_MissingQueue(t *testing.T) {
	t.Parallel()

	c, _ := connectTestClient(t)
	_, err := c.Consume(context.Background(), "no.such.queue", func(context.Context, *Delivery) {})
	if err == nil {
		t.Fatal("Consume() on a missing queue should fail")
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.NotFound {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
	// The publish channel is unaffected.
	if !c.IsConnected() {
		t.Error("client should stay connected")
	}
}

func TestSubscriber_AckAndNack(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	topo := c.Topology()
	sub := NewSubscriber(c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := sub.Subscribe(ctx, topo.InputQueue)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	injectSession(t, mem, "good")
	msg := receive(t, messages)
	if msg.UUID != "good" {
		t.Errorf("UUID = %q, want good", msg.UUID)
	}
	if got := msg.Metadata.Get(MetadataRoutingKey); got != "session.finalized" {
		t.Errorf("routing key metadata = %q", got)
	}
	if got := msg.Metadata.Get(MetadataQueue); got != topo.InputQueue {
		t.Errorf("queue metadata = %q", got)
	}
	msg.Ack()

	injectSession(t, mem, "bad")
	msg = receive(t, messages)
	msg.Nack()
	waitFor(t, "nacked message in DLQ", func() bool { return mem.QueueLen(topo.DeadLetterQueue) == 1 })

	if got := mem.Messages(topo.DeadLetterQueue)[0].MessageId; got != "bad" {
		t.Errorf("dead letter = %q, want bad", got)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case _, ok := <-messages:
		if ok {
			t.Error("channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("output channel not closed")
	}
	if _, err := sub.Subscribe(context.Background(), topo.InputQueue); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestSubscriber_ContextCancelClosesChannel(t *testing.T) {
	t.Parallel()

	c, _ := connectTestClient(t)
	sub := NewSubscriber(c, nil)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := sub.Subscribe(ctx, c.Topology().InputQueue)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	select {
	case _, ok := <-messages:
		if ok {
			t.Error("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("output channel not closed on cancel")
	}
}
