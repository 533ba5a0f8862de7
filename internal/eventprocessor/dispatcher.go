// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
)

// HandlerFunc processes one decoded envelope. A nil return acks the
// message; any error dead-letters it.
type HandlerFunc func(ctx context.Context, env *broker.Envelope) error

// Dispatcher maps routing keys to handlers. A pattern is either an exact
// key or a prefix ending in "." or "#"; "#" is stripped, so "study.#" and
// "study." are the same prefix. Exact matches win, then the longest prefix.
type Dispatcher struct {
	mu       sync.RWMutex
	exact    map[string]HandlerFunc
	prefixes []prefixHandler
}

type prefixHandler struct {
	prefix  string
	handler HandlerFunc
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{exact: make(map[string]HandlerFunc)}
}

// Register adds a handler for pattern.
func (d *Dispatcher) Register(pattern string, h HandlerFunc) error {
	if pattern == "" || h == nil {
		return fmt.Errorf("%w: pattern and handler are required", ErrInvalidConfig)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prefix, isPrefix := prefixOf(pattern)
	if !isPrefix {
		if _, ok := d.exact[pattern]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePattern, pattern)
		}
		d.exact[pattern] = h
		return nil
	}

	for _, p := range d.prefixes {
		if p.prefix == prefix {
			return fmt.Errorf("%w: %s", ErrDuplicatePattern, pattern)
		}
	}
	d.prefixes = append(d.prefixes, prefixHandler{prefix: prefix, handler: h})
	sort.Slice(d.prefixes, func(i, j int) bool {
		return len(d.prefixes[i].prefix) > len(d.prefixes[j].prefix)
	})
	return nil
}

func prefixOf(pattern string) (string, bool) {
	switch {
	case strings.HasSuffix(pattern, "#"):
		return strings.TrimSuffix(pattern, "#"), true
	case strings.HasSuffix(pattern, "."):
		return pattern, true
	default:
		return "", false
	}
}

// Lookup returns the handler for routingKey.
func (d *Dispatcher) Lookup(routingKey string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if h, ok := d.exact[routingKey]; ok {
		return h, true
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(routingKey, p.prefix) {
			return p.handler, true
		}
	}
	return nil, false
}

// Patterns returns the registered patterns, exact keys first.
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.exact)+len(d.prefixes))
	for k := range d.exact {
		out = append(out, k)
	}
	sort.Strings(out)
	for _, p := range d.prefixes {
		out = append(out, p.prefix+"#")
	}
	return out
}

// Dispatch runs the handler for env. Unknown routing keys are logged and
// return nil so the message is acked.
func (d *Dispatcher) Dispatch(ctx context.Context, env *broker.Envelope) error {
	h, ok := d.Lookup(env.RoutingKey)
	if !ok {
		logging.Ctx(ctx).Warn().
			Str("routing_key", env.RoutingKey).
			Str("source", env.Source).
			Msg("No handler for routing key, acking")
		metrics.RecordEvent(env.RoutingKey, "unrouted")
		return nil
	}

	start := time.Now()
	err := h(ctx, env)
	metrics.RecordHandlerDuration(env.RoutingKey, time.Since(start))
	return err
}
