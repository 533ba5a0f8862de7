// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/tomtom215/questline/internal/broker"
)

// dlqClient is the part of *broker.Client the commands use.
type dlqClient interface {
	Topology() broker.Topology
	DeadLetterDepth(ctx context.Context) (int, error)
	Inspect(ctx context.Context, queue string, limit int, fn func(*broker.Delivery) error) (int, error)
	PublishRaw(ctx context.Context, routingKey string, d amqp.Delivery) error
	Close() error
}

type connectFunc func(ctx context.Context) (dlqClient, error)

type rootOptions struct {
	timeout time.Duration
	connect connectFunc
}

func newRootCmd(connect connectFunc) *cobra.Command {
	opts := &rootOptions{connect: connect}

	root := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Inspect and replay the gamification dead-letter queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "overall command timeout")

	root.AddCommand(newStatsCmd(opts), newPeekCmd(opts), newReplayCmd(opts))
	return root
}

// withClient connects, runs fn and closes the client.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c dlqClient) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	c, err := o.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the dead-letter queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c dlqClient) error {
				depth, err := c.DeadLetterDepth(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", c.Topology().DeadLetterQueue, depth)
				return nil
			})
		},
	}
}

func newPeekCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print dead letters without removing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("-n must be at least 1")
			}
			return opts.withClient(cmd, func(ctx context.Context, c dlqClient) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				n, err := c.Inspect(ctx, c.Topology().DeadLetterQueue, limit, func(d *broker.Delivery) error {
					// Left unsettled: the message returns to the queue.
					return enc.Encode(describe(d.Delivery))
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d message(s) shown\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of messages")
	return cmd
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish dead letters to the topic exchange with their original routing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("-n must be at least 1")
			}
			return opts.withClient(cmd, func(ctx context.Context, c dlqClient) error {
				res, err := replay(ctx, c, limit, cmd.ErrOrStderr())
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, skipped %d\n", res.replayed, res.skipped)
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of messages")
	return cmd
}

type replayResult struct {
	replayed int
	skipped  int
}

var errNoRoutingKey = errors.New("original routing key unknown")

// replay republishes up to limit dead letters. A message is acked only after
// its republish is confirmed; one whose routing key cannot be recovered is
// left in the queue.
func replay(ctx context.Context, c dlqClient, limit int, warn io.Writer) (replayResult, error) {
	var res replayResult
	_, err := c.Inspect(ctx, c.Topology().DeadLetterQueue, limit, func(d *broker.Delivery) error {
		key, err := originalRoutingKey(d.Delivery)
		if err != nil {
			res.skipped++
			fmt.Fprintf(warn, "skipping %s: %v\n", d.MessageId, err)
			return nil
		}
		if err := c.PublishRaw(ctx, key, d.Delivery); err != nil {
			return fmt.Errorf("republish %s: %w", d.MessageId, err)
		}
		if err := d.Ack(); err != nil {
			return fmt.Errorf("ack %s after republish: %w", d.MessageId, err)
		}
		res.replayed++
		return nil
	})
	return res, err
}

// originalRoutingKey prefers the key inside the envelope, then the first key
// recorded in x-death by the broker.
func originalRoutingKey(d amqp.Delivery) (string, error) {
	if env, err := broker.DecodeEnvelope(d.Body); err == nil && env.RoutingKey != "" {
		return env.RoutingKey, nil
	}
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
				if key, ok := keys[0].(string); ok && key != "" {
					return key, nil
				}
			}
		}
	}
	return "", errNoRoutingKey
}

type deadLetter struct {
	MessageID   string          `json:"messageId"`
	RoutingKey  string          `json:"routingKey,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
	Redelivered bool            `json:"redelivered"`
	Body        json.RawMessage `json:"body,omitempty"`
	RawBody     string          `json:"rawBody,omitempty"`
}

func describe(d amqp.Delivery) deadLetter {
	out := deadLetter{
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
	out.RoutingKey, _ = originalRoutingKey(d)
	out.Reason, _ = d.Headers["x-first-death-reason"].(string)
	out.Queue, _ = d.Headers["x-first-death-queue"].(string)
	if json.Valid(d.Body) {
		out.Body = d.Body
	} else {
		out.RawBody = string(d.Body)
	}
	return out
}
