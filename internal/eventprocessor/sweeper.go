// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
	"github.com/tomtom215/questline/internal/periodic"
	"github.com/tomtom215/questline/internal/store"
	"github.com/tomtom215/questline/internal/streak"
)

// SweepStore is the store surface the sweeper needs.
type SweepStore interface {
	StateStore
	ForEachStreak(ctx context.Context, fn func(*streak.Record) error) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked    int
	RolledOver int
	Broken     int
}

// errNoRollover aborts a sweep transaction whose record no longer needs one.
var errNoRollover = errors.New("no rollover due")

// Sweeper applies day rollover to idle users so their counters reset and
// broken streaks are announced without waiting for their next event. It
// shares the processor's per-user locks.
type Sweeper struct {
	proc  *Processor
	store SweepStore
	now   func() time.Time
	loop  *periodic.Loop
	log   zerolog.Logger
}

// NewSweeper returns a stopped sweeper running every interval.
func NewSweeper(p *Processor, st SweepStore, interval time.Duration) *Sweeper {
	s := &Sweeper{
		proc:  p,
		store: st,
		now:   time.Now,
		log:   logging.WithComponent("streak-sweeper"),
	}
	s.loop = periodic.New("streak-sweeper", interval, func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Streak sweep incomplete")
		}
	})
	return s
}

// Start launches the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	return s.loop.Start(ctx)
}

// Stop halts the periodic sweep and waits for a running one.
func (s *Sweeper) Stop() {
	s.loop.Stop()
}

// IsRunning reports whether the periodic sweep is active.
func (s *Sweeper) IsRunning() bool {
	return s.loop.IsRunning()
}

// Name identifies the sweeper in supervisor logs.
func (s *Sweeper) Name() string {
	return s.loop.Name()
}

// Sweep checks every stored streak and rolls over those whose local day has
// ended. Each rollover is its own transaction under the user's lock.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		due []string
		sum SweepResult
	)
	now := s.now()
	err := s.store.ForEachStreak(ctx, func(rec *streak.Record) error {
		sum.Checked++
		if s.proc.tracker.CheckRollover(rec.Clone(), now).RolledOver {
			due = append(due, rec.UserID)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("scan streaks: %w", err)
	}

	for _, userID := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		broken, err := s.rollover(ctx, userID)
		if errors.Is(err, errNoRollover) {
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Streak rollover failed")
			continue
		}
		sum.RolledOver++
		if broken {
			sum.Broken++
		}
	}

	if sum.RolledOver > 0 {
		s.log.Info().
			Int("checked", sum.Checked).
			Int("rolled_over", sum.RolledOver).
			Int("broken", sum.Broken).
			Msg("Streak sweep finished")
	}
	return sum, nil
}

func (s *Sweeper) rollover(ctx context.Context, userID string) (bool, error) {
	unlock := s.proc.locks.Lock(userID)
	defer unlock()

	var broken bool
	state, err := s.store.Update(ctx, store.Mutation{
		UserID: userID,
		Apply: func(st *store.UserState) error {
			if st.Streak == nil {
				return errNoRollover
			}
			rec := st.Streak.Clone()
			roll := s.proc.tracker.CheckRollover(rec, st.Now)
			if !roll.RolledOver {
				return errNoRollover
			}
			st.SetStreak(rec)
			broken = roll.Broken
			if !broken {
				return nil
			}
			return st.Emit(KeyStreakUpdated, streakPayload(rec, false, true))
		},
	})
	if err != nil {
		return false, err
	}

	if broken {
		metrics.RecordStreakBroken()
		if s.proc.outbox != nil {
			s.proc.outbox.Deliver(ctx, state.Outbox())
		}
	}
	return broken, nil
}
