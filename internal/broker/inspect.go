// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"fmt"

	"github.com/tomtom215/questline/internal/metrics"
)

// QueueDepth returns the number of ready messages in queue. It uses a
// throwaway channel because a passive declare on a missing queue closes the
// channel it runs on.
func (c *Client) QueueDepth(ctx context.Context, queue string) (int, error) {
	conn, err := c.currentConn()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open inspection channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	if queue == c.topology.DeadLetterQueue {
		metrics.SetDeadLetterDepth(q.Messages)
	}
	return q.Messages, nil
}

// DeadLetterDepth is QueueDepth on this service's DLQ.
func (c *Client) DeadLetterDepth(ctx context.Context) (int, error) {
	return c.QueueDepth(ctx, c.topology.DeadLetterQueue)
}

// Inspect fetches up to limit messages from queue one at a time and passes
// each to fn. Deliveries fn leaves unsettled go back to the queue when
// Inspect returns, so peeking never consumes. It returns the number of
// messages fetched.
func (c *Client) Inspect(ctx context.Context, queue string, limit int, fn func(*Delivery) error) (int, error) {
	conn, err := c.currentConn()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open inspection channel: %w", err)
	}
	defer ch.Close()

	n := 0
	for n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msg, ok, err := ch.Get(queue, false)
		if err != nil {
			return n, fmt.Errorf("get from %s: %w", queue, err)
		}
		if !ok {
			break
		}
		n++
		if err := fn(&Delivery{Delivery: msg, queue: queue}); err != nil {
			return n, err
		}
	}
	return n, nil
}
