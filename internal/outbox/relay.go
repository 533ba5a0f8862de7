// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/cache"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
	"github.com/tomtom215/questline/internal/periodic"
	"github.com/tomtom215/questline/internal/store"
)

// Publisher is the part of broker.Client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data interface{}, opts broker.PublishOptions) (*broker.Envelope, error)
	IsConnected() bool
}

// Store is the part of store.Store the relay needs.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	DeleteOutbox(ctx context.Context, key string) error
	CountOutbox(ctx context.Context) (int, error)
}

// Relay publishes committed outbox rows and deletes them once the broker
// has accepted them. Rows carry a fixed messageId, so a row published twice
// (crash between publish and delete) is a duplicate consumers can drop.
type Relay struct {
	pub   Publisher
	store Store
	batch int
	loop  *periodic.Loop
	log   zerolog.Logger

	mu        sync.Mutex
	inflight  map[string]struct{}
	delivered *cache.LRU[string, struct{}]
}

// NewRelay returns a stopped relay. Start runs Flush every relay interval.
func NewRelay(pub Publisher, st Store, cfg config.OutboxConfig) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	interval := cfg.RelayInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	// delivered stops a Flush snapshot read before a Deliver deleted its
	// rows from publishing them again.
	r := &Relay{
		pub:       pub,
		store:     st,
		batch:     batch,
		log:       logging.WithComponent("outbox"),
		inflight:  make(map[string]struct{}),
		delivered: cache.NewLRU[string, struct{}](deliveredCacheSize(batch), deliveredTTL),
	}
	r.loop = periodic.New("outbox-relay", interval, func(ctx context.Context) {
		if _, err := r.Flush(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Outbox flush incomplete")
		}
	})
	r.loop.RunOnStart = true
	return r
}

// Start launches the periodic flush.
func (r *Relay) Start(ctx context.Context) error {
	return r.loop.Start(ctx)
}

// Stop halts the periodic flush and waits for the current one.
func (r *Relay) Stop() {
	r.loop.Stop()
}

// IsRunning reports whether the periodic flush is active.
func (r *Relay) IsRunning() bool {
	return r.loop.IsRunning()
}

// Name identifies the relay in supervisor logs.
func (r *Relay) Name() string {
	return r.loop.Name()
}

// Deliver publishes freshly committed rows in order. It is best effort:
// whatever fails stays in the store for the next Flush.
func (r *Relay) Deliver(ctx context.Context, msgs []store.OutboxMessage) {
	if !r.pub.IsConnected() {
		return
	}
	for _, m := range msgs {
		err := r.publish(ctx, m)
		if errors.Is(err, errDelivered) {
			continue
		}
		if err != nil {
			r.log.Debug().Err(err).Str("routing_key", m.RoutingKey).Msg("Outbox fast path deferred to relay")
			return
		}
	}
}

// Flush publishes pending rows, oldest first, until the outbox is empty or
// a publish fails. It does nothing while the broker is disconnected.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if !r.pub.IsConnected() {
		return 0, nil
	}

	published := 0
	defer func() {
		if n, err := r.store.CountOutbox(ctx); err == nil {
			metrics.SetOutboxPending(n)
		}
	}()

	for {
		msgs, err := r.store.PendingOutbox(ctx, r.batch)
		if err != nil {
			return published, fmt.Errorf("read outbox: %w", err)
		}
		if len(msgs) == 0 {
			return published, nil
		}

		progressed := false
		for _, m := range msgs {
			err := r.publish(ctx, m)
			if errors.Is(err, errInFlight) || errors.Is(err, errDelivered) {
				continue
			}
			if err != nil {
				return published, err
			}
			published++
			progressed = true
		}
		if !progressed || len(msgs) < r.batch {
			if published > 0 {
				r.log.Info().Int("published", published).Msg("Outbox flushed")
			}
			return published, nil
		}
	}
}

var (
	errInFlight  = errors.New("outbox row already being published")
	errDelivered = errors.New("outbox row already delivered")
)

const deliveredTTL = 10 * time.Minute

func deliveredCacheSize(batch int) int {
	if n := batch * 8; n > 1024 {
		return n
	}
	return 1024
}

// publish sends one row and deletes it. A row claimed by a concurrent
// Deliver or Flush is skipped, as is a row this relay already published
// and deleted.
func (r *Relay) publish(ctx context.Context, m store.OutboxMessage) error {
	key := m.Key()
	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return errInFlight
	}
	if r.delivered.Contains(key) {
		r.mu.Unlock()
		return errDelivered
	}
	r.inflight[key] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	_, err := r.pub.Publish(ctx, m.RoutingKey, m.Data, broker.PublishOptions{
		MessageID: m.MessageID,
		Timestamp: m.CreatedAt,
	})
	metrics.RecordOutboxRelay(err == nil)
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", m.RoutingKey, m.MessageID, err)
	}
	if err := r.store.DeleteOutbox(ctx, key); err != nil {
		return fmt.Errorf("delete outbox row %s: %w", m.MessageID, err)
	}
	r.delivered.Add(key, struct{}{})
	return nil
}
