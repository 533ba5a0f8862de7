// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/cache"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
	"github.com/tomtom215/questline/internal/store"
	"github.com/tomtom215/questline/internal/streak"
	"github.com/tomtom215/questline/internal/xp"
)

// StateStore is the part of store.Store the processor writes through.
type StateStore interface {
	Update(ctx context.Context, m store.Mutation) (*store.UserState, error)
}

// UserDirectory confirms a user exists before state is created for them.
type UserDirectory interface {
	CheckUser(ctx context.Context, userID string) error
}

// Deliverer publishes committed outbox rows. Failures are left for the relay.
type Deliverer interface {
	Deliver(ctx context.Context, msgs []store.OutboxMessage)
}

// ProcessorConfig holds the processor limits.
type ProcessorConfig struct {
	// MaxTotalXP caps an account total; 0 disables the cap.
	MaxTotalXP int64

	// DedupCacheSize and DedupTTL size the in-memory messageId cache that
	// short-circuits redeliveries before they reach the store.
	DedupCacheSize int
	DedupTTL       time.Duration
}

// Processor turns study events into XP, streak and achievement changes.
// Each event is one store transaction, serialized per user.
type Processor struct {
	store   StateStore
	engine  *xp.Engine
	tracker *streak.Tracker
	users   UserDirectory
	outbox  Deliverer

	locks      *keyedMutex
	dedup      *cache.LRU[string, struct{}]
	maxTotalXP int64
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithUserDirectory enables user existence checks.
func WithUserDirectory(u UserDirectory) ProcessorOption {
	return func(p *Processor) {
		p.users = u
	}
}

// WithDeliverer publishes outbound events right after commit.
func WithDeliverer(d Deliverer) ProcessorOption {
	return func(p *Processor) {
		p.outbox = d
	}
}

// NewProcessor returns a processor writing to st.
func NewProcessor(st StateStore, engine *xp.Engine, tracker *streak.Tracker, cfg ProcessorConfig, opts ...ProcessorOption) (*Processor, error) {
	if st == nil || engine == nil || tracker == nil {
		return nil, fmt.Errorf("%w: store, engine and tracker are required", ErrInvalidConfig)
	}
	if cfg.MaxTotalXP < 0 {
		return nil, fmt.Errorf("%w: max total XP %d", ErrInvalidConfig, cfg.MaxTotalXP)
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	p := &Processor{
		store:      st,
		engine:     engine,
		tracker:    tracker,
		locks:      newKeyedMutex(),
		dedup:      cache.NewLRU[string, struct{}](cfg.DedupCacheSize, ttl),
		maxTotalXP: cfg.MaxTotalXP,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Register adds the study event handlers to d.
func (p *Processor) Register(d *Dispatcher) error {
	handlers := map[string]HandlerFunc{
		KeySessionCreated:   p.HandleSessionCreated,
		KeySessionFinalized: p.HandleSessionFinalized,
		KeyExamFinalized:    p.HandleExamFinalized,
	}
	for key, h := range handlers {
		if err := d.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// InFlightUsers returns the number of users with a message being applied.
func (p *Processor) InFlightUsers() int {
	return p.locks.Len()
}

// outcome collects what a committed mutation did, for metrics.
type outcome struct {
	reason    string
	xpGained  int64
	levelUp   bool
	activated bool
	broken    bool
	unlocks   []streak.Unlock
}

// HandleSessionCreated starts a day for the user. It awards nothing but
// creates the streak record and applies any pending rollover.
func (p *Processor) HandleSessionCreated(ctx context.Context, env *broker.Envelope) error {
	var data SessionCreated
	if err := DecodeData(env, &data); err != nil {
		return err
	}

	return p.apply(ctx, env, data.UserID, func(s *store.UserState, o *outcome) error {
		rec := p.streakFor(s, data.Timezone)
		roll := p.tracker.CheckRollover(rec, s.Now)
		s.SetStreak(rec)
		if roll.Broken {
			o.broken = true
			return s.Emit(KeyStreakUpdated, streakPayload(rec, false, true))
		}
		return nil
	})
}

// HandleSessionFinalized awards session XP and counts the study time
// toward today's streak.
func (p *Processor) HandleSessionFinalized(ctx context.Context, env *broker.Envelope) error {
	var data SessionFinalized
	if err := DecodeData(env, &data); err != nil {
		return err
	}
	gained, err := p.engine.XPForSessionFinalized(data.StudyTimeMinutes, data.CorrectAnswers, data.IsScheduled, data.MetDeadline)
	if err != nil {
		return Classify("session XP", err)
	}

	return p.apply(ctx, env, data.UserID, func(s *store.UserState, o *outcome) error {
		if err := p.award(s, o, env.MessageID, ReasonSessionFinalized, gained); err != nil {
			return err
		}
		return p.study(s, o, data.Timezone, data.StudyTimeMinutes)
	})
}

// HandleExamFinalized awards exam XP. A reported duration also counts as
// study time.
func (p *Processor) HandleExamFinalized(ctx context.Context, env *broker.Envelope) error {
	var data ExamFinalized
	if err := DecodeData(env, &data); err != nil {
		return err
	}
	gained, err := p.engine.XPForExamFinalized(data.CorrectAnswers, data.TotalQuestions)
	if err != nil {
		return Classify("exam XP", err)
	}

	return p.apply(ctx, env, data.UserID, func(s *store.UserState, o *outcome) error {
		if err := p.award(s, o, env.MessageID, ReasonExamFinalized, gained); err != nil {
			return err
		}
		return p.study(s, o, data.Timezone, data.DurationMinutes)
	})
}

// apply runs fn as one idempotent mutation of userID's state.
func (p *Processor) apply(ctx context.Context, env *broker.Envelope, userID string, fn func(*store.UserState, *outcome) error) error {
	log := logging.Ctx(ctx)

	if p.dedup.Contains(env.MessageID) {
		metrics.RecordEvent(env.RoutingKey, "duplicate")
		log.Debug().Str("user_id", userID).Msg("Duplicate message skipped (cache)")
		return nil
	}

	if p.users != nil {
		if err := p.users.CheckUser(ctx, userID); err != nil {
			return Classify("check user "+userID, err)
		}
	}

	unlock := p.locks.Lock(userID)
	defer unlock()

	var o outcome
	state, err := p.store.Update(ctx, store.Mutation{
		UserID:     userID,
		MessageID:  env.MessageID,
		RoutingKey: env.RoutingKey,
		Apply: func(s *store.UserState) error {
			o = outcome{}
			return fn(s, &o)
		},
	})
	if errors.Is(err, store.ErrAlreadyProcessed) {
		p.dedup.Add(env.MessageID, struct{}{})
		metrics.RecordEvent(env.RoutingKey, "duplicate")
		log.Debug().Str("user_id", userID).Msg("Duplicate message skipped (store)")
		return nil
	}
	if err != nil {
		return Classify("apply "+env.RoutingKey, err)
	}

	p.dedup.Add(env.MessageID, struct{}{})
	p.recordOutcome(env.RoutingKey, &o)

	log.Info().
		Str("user_id", userID).
		Int64("xp_gained", o.xpGained).
		Int64("total_xp", state.Account.TotalXP).
		Bool("streak_activated", o.activated).
		Int("unlocks", len(o.unlocks)).
		Msg("Event applied")

	if p.outbox != nil && len(state.Outbox()) > 0 {
		p.outbox.Deliver(ctx, state.Outbox())
	}
	return nil
}

// award adds gained XP to the account and emits the points and level events.
func (p *Processor) award(s *store.UserState, o *outcome, sourceMessageID, reason string, gained int64) error {
	acct := s.Account
	previousLevel := p.engine.LevelForXP(acct.TotalXP)

	total, err := xp.AddXP(acct.TotalXP, gained, p.maxTotalXP)
	if err != nil {
		return err
	}
	acct.TotalXP = total
	s.SetAccount(acct)

	level := p.engine.LevelForXP(total)
	o.reason = reason
	o.xpGained = gained
	o.levelUp = level > previousLevel

	if err := s.Emit(KeyPointsUpdated, PointsUpdated{
		UserID:          s.UserID,
		XPGained:        gained,
		TotalXP:         total,
		Level:           level,
		PreviousLevel:   previousLevel,
		XPForNextLevel:  p.engine.XPForNextLevel(level),
		Reason:          reason,
		SourceMessageID: sourceMessageID,
	}); err != nil {
		return err
	}
	if level == previousLevel {
		return nil
	}
	return s.Emit(KeyLevelChanged, LevelChanged{
		UserID:        s.UserID,
		PreviousLevel: previousLevel,
		NewLevel:      level,
		TotalXP:       total,
	})
}

// study records minutes on the streak and unlocks any milestones reached.
func (p *Processor) study(s *store.UserState, o *outcome, timezone string, minutes int) error {
	rec := p.streakFor(s, timezone)
	res, err := p.tracker.RecordStudy(rec, minutes, s.Now)
	if err != nil {
		return err
	}
	s.SetStreak(rec)
	o.activated = res.Activated
	o.broken = res.Rollover.Broken

	if res.Activated || res.Rollover.Broken {
		if err := s.Emit(KeyStreakUpdated, streakPayload(rec, res.Activated, res.Rollover.Broken)); err != nil {
			return err
		}
	}
	if !res.Activated {
		return nil
	}

	unlocks := p.tracker.CheckAchievements(s.UserID, rec.CurrentStreak, s.Achievements, s.Now)
	s.AddUnlocks(unlocks...)
	for _, u := range s.NewUnlocks() {
		if err := s.Emit(KeyAchievementUnlocked, AchievementUnlocked{
			UserID:        s.UserID,
			Milestone:     u.Milestone,
			AchievementID: u.AchievementID,
			UnlockedAt:    u.UnlockedAt,
			CurrentStreak: rec.CurrentStreak,
		}); err != nil {
			return err
		}
	}
	o.unlocks = s.NewUnlocks()
	return nil
}

// streakFor returns the user's streak record, creating it on first use. A
// timezone in the event replaces the stored one.
func (p *Processor) streakFor(s *store.UserState, timezone string) *streak.Record {
	if s.Streak == nil {
		return p.tracker.NewRecord(s.UserID, timezone, s.Now)
	}
	rec := s.Streak.Clone()
	if timezone != "" && timezone != rec.Timezone {
		rec.Timezone = timezone
	}
	return rec
}

func streakPayload(rec *streak.Record, activated, broken bool) StreakUpdated {
	return StreakUpdated{
		UserID:              rec.UserID,
		CurrentStreak:       rec.CurrentStreak,
		LongestStreak:       rec.LongestStreak,
		StudiedTodayMinutes: rec.StudiedTodayMinutes,
		TargetMinutes:       rec.TargetMinutes,
		Activated:           activated,
		Broken:              broken,
	}
}

func (p *Processor) recordOutcome(routingKey string, o *outcome) {
	metrics.RecordEvent(routingKey, "processed")
	if o.xpGained > 0 {
		metrics.RecordXPAwarded(o.reason, o.xpGained)
	}
	if o.levelUp {
		metrics.RecordLevelUp()
	}
	if o.activated {
		metrics.RecordStreakActivation()
	}
	if o.broken {
		metrics.RecordStreakBroken()
	}
	for _, u := range o.unlocks {
		metrics.RecordAchievementUnlocked(strconv.Itoa(u.Milestone))
	}
}
