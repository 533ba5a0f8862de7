// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package periodic runs a function on a fixed interval with a Start/Stop
// lifecycle that the supervisor services wrap.
package periodic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/questline/internal/logging"
)

// ErrInvalidInterval is returned by Start for a non-positive interval.
var ErrInvalidInterval = errors.New("interval must be positive")

// Func is one tick of work. It should return promptly once ctx is canceled.
type Func func(ctx context.Context)

// Loop calls fn every interval until stopped. Ticks never overlap.
type Loop struct {
	name     string
	interval time.Duration
	fn       Func

	// RunOnStart makes the first tick fire immediately.
	RunOnStart bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// New returns a stopped loop.
func New(name string, interval time.Duration, fn Func) *Loop {
	return &Loop{name: name, interval: interval, fn: fn}
}

// Name returns the loop name used in logs.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	if l.interval <= 0 {
		return ErrInvalidInterval
	}

	l.mu.Lock()
	for l.stopping {
		stopDone := l.stopDone
		l.mu.Unlock()
		<-stopDone
		l.mu.Lock()
	}
	if l.running {
		l.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.stopDone = make(chan struct{})
	done := l.stopDone
	l.mu.Unlock()

	go l.run(loopCtx, done)

	logging.Info().Str("loop", l.name).Dur("interval", l.interval).Msg("Periodic loop started")
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.running = false
	l.stopping = true
	stopDone := l.stopDone
	l.mu.Unlock()

	<-stopDone

	l.mu.Lock()
	l.stopping = false
	l.mu.Unlock()

	logging.Info().Str("loop", l.name).Msg("Periodic loop stopped")
}

// IsRunning reports whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if l.RunOnStart {
		l.tick(ctx)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("loop", l.name).Interface("panic", r).Msg("Periodic loop tick panicked")
		}
	}()
	l.fn(ctx)
}
