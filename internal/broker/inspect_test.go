// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		if !ok {
			t.Fatal("message channel closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

// deadLetter puts n messages straight onto the DLQ.
func deadLetter(t *testing.T, c *Client, mem *MemoryBroker, n int) {
	t.Helper()
	topo := c.Topology()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("dead-%d", i)
		mem.Inject(topo.DeadLetterExchange, topo.DeadLetterRoutingKey, amqp.Publishing{
			MessageId: id,
			Body:      envelopeBody(t, id, "session.finalized", map[string]string{"userId": "u1"}),
		})
	}
}

func TestClient_QueueDepth(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	deadLetter(t, c, mem, 3)

	depth, err := c.DeadLetterDepth(context.Background())
	if err != nil {
		t.Fatalf("DeadLetterDepth() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("DeadLetterDepth() = %d, want 3", depth)
	}

	if _, err := c.QueueDepth(context.Background(), "missing.queue"); err == nil {
		t.Error("QueueDepth() on a missing queue should fail")
	}
	if !c.IsConnected() {
		t.Error("a failed passive declare must not disturb the client")
	}
}

func TestClient_QueueDepthNotConnected(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, testBrokerConfig())
	if _, err := c.QueueDepth(context.Background(), "gamification.dlq"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("QueueDepth() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_InspectPeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	deadLetter(t, c, mem, 3)
	dlq := c.Topology().DeadLetterQueue

	var ids []string
	n, err := c.Inspect(context.Background(), dlq, 2, func(d *Delivery) error {
		ids = append(ids, d.MessageId)
		return nil
	})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if n != 2 || len(ids) != 2 || ids[0] != "dead-0" || ids[1] != "dead-1" {
		t.Errorf("Inspect() = %d %v", n, ids)
	}
	if got := mem.QueueLen(dlq); got != 3 {
		t.Errorf("queue length after peek = %d, want 3", got)
	}
	if got := mem.Messages(dlq)[0].MessageId; got != "dead-0" {
		t.Errorf("head after peek = %q, want dead-0", got)
	}
}

func TestClient_InspectAckConsumes(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	deadLetter(t, c, mem, 2)
	dlq := c.Topology().DeadLetterQueue

	n, err := c.Inspect(context.Background(), dlq, 10, func(d *Delivery) error {
		return d.Ack()
	})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Inspect() = %d, want 2", n)
	}
	if got := mem.QueueLen(dlq); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestClient_InspectStopsOnError(t *testing.T) {
	t.Parallel()

	c, mem := connectTestClient(t)
	deadLetter(t, c, mem, 3)

	boom := errors.New("boom")
	n, err := c.Inspect(context.Background(), c.Topology().DeadLetterQueue, 10, func(d *Delivery) error {
		return boom
	})
	if !errors.Is(err, boom) || n != 1 {
		t.Errorf("Inspect() = %d, %v; want 1, boom", n, err)
	}
	if got := mem.QueueLen(c.Topology().DeadLetterQueue); got != 3 {
		t.Errorf("queue length = %d, want 3", got)
	}
}
