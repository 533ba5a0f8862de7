// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package xp computes experience point awards and the level implied by a
// cumulative XP total.
//
// Everything in this package is pure: no I/O, no clocks, no globals that
// change after init. The same inputs always produce the same outputs, which
// is what lets the event handlers replay or reorder events safely.
//
// # Level Curve
//
// Level 1 is the starting level. Advancing from level L to L+1 costs
//
//	floor(BaseLevelXP * LevelMultiplier^(L-1))
//
// XP, so with the default rules level 2 is reached at 100 XP, level 3 at 250,
// level 4 at 475, and so on up to MaxLevel. Cumulative thresholds saturate at
// math.MaxInt64 instead of overflowing.
package xp

import (
	"fmt"
	"math"
	"sort"
)

// Input bounds for a single event. Larger values are rejected as
// ErrInvalidInput rather than clamped.
const (
	MaxDurationMinutes = 24 * 60
	MaxAnswers         = 10000
)

// AccuracyTier awards Bonus XP when exam accuracy is at least MinPercent.
type AccuracyTier struct {
	MinPercent float64
	Bonus      int64
}

// Rules holds the constants used by the engine.
type Rules struct {
	// Level curve
	BaseLevelXP     int64
	LevelMultiplier float64
	MaxLevel        int

	// Study session awards
	SessionBase               int64
	SessionTimeRate           float64
	SessionPerAnswer          int64
	ScheduledOnTimeMultiplier float64
	ScheduledLateMultiplier   float64

	// Exam awards. Tiers are evaluated highest MinPercent first.
	ExamBase      int64
	ExamPerAnswer int64
	ExamTiers     []AccuracyTier

	// MinAward is the floor applied to every session award.
	MinAward int64
}

// DefaultRules returns the production XP rules.
func DefaultRules() Rules {
	return Rules{
		BaseLevelXP:               100,
		LevelMultiplier:           1.5,
		MaxLevel:                  100,
		SessionBase:               5,
		SessionTimeRate:           1.5,
		SessionPerAnswer:          2,
		ScheduledOnTimeMultiplier: 1.5,
		ScheduledLateMultiplier:   0.8,
		ExamBase:                  20,
		ExamPerAnswer:             2,
		ExamTiers: []AccuracyTier{
			{MinPercent: 90, Bonus: 50},
			{MinPercent: 75, Bonus: 30},
			{MinPercent: 60, Bonus: 15},
		},
		MinAward: 1,
	}
}

// Engine evaluates Rules. It is safe for concurrent use.
type Engine struct {
	rules Rules

	// thresholds[L] is the cumulative XP needed to be at level L.
	// Index 0 is unused; thresholds[1] is always 0.
	thresholds []int64
}

// NewEngine validates rules and precomputes the level table.
func NewEngine(rules Rules) (*Engine, error) {
	if rules.BaseLevelXP <= 0 {
		return nil, fmt.Errorf("%w: base level XP must be positive", ErrInvalidRules)
	}
	if rules.LevelMultiplier < 1 {
		return nil, fmt.Errorf("%w: level multiplier must be >= 1", ErrInvalidRules)
	}
	if rules.MaxLevel < 1 {
		return nil, fmt.Errorf("%w: max level must be >= 1", ErrInvalidRules)
	}
	if rules.MinAward < 0 {
		return nil, fmt.Errorf("%w: min award must not be negative", ErrInvalidRules)
	}
	if rules.SessionBase < 0 || rules.SessionPerAnswer < 0 || rules.ExamBase < 0 || rules.ExamPerAnswer < 0 {
		return nil, fmt.Errorf("%w: award constants must not be negative", ErrInvalidRules)
	}
	if rules.SessionTimeRate < 0 || rules.ScheduledOnTimeMultiplier < 0 || rules.ScheduledLateMultiplier < 0 {
		return nil, fmt.Errorf("%w: rates and multipliers must not be negative", ErrInvalidRules)
	}
	for _, tier := range rules.ExamTiers {
		if tier.Bonus < 0 {
			return nil, fmt.Errorf("%w: tier bonus %d is negative", ErrInvalidRules, tier.Bonus)
		}
	}

	tiers := make([]AccuracyTier, len(rules.ExamTiers))
	copy(tiers, rules.ExamTiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinPercent > tiers[j].MinPercent })
	rules.ExamTiers = tiers

	e := &Engine{rules: rules}
	e.thresholds = make([]int64, rules.MaxLevel+1)
	for level := 1; level < rules.MaxLevel; level++ {
		e.thresholds[level+1] = saturatingAdd(e.thresholds[level], e.XPToAdvance(level))
	}
	return e, nil
}

var defaultEngine = func() *Engine {
	e, err := NewEngine(DefaultRules())
	if err != nil {
		panic(err)
	}
	return e
}()

// Default returns the engine configured with DefaultRules.
func Default() *Engine {
	return defaultEngine
}

// Rules returns a copy of the engine's rules.
func (e *Engine) Rules() Rules {
	r := e.rules
	r.ExamTiers = append([]AccuracyTier(nil), e.rules.ExamTiers...)
	return r
}

// MaxLevel returns the level cap.
func (e *Engine) MaxLevel() int {
	return e.rules.MaxLevel
}

// XPToAdvance returns the XP cost of going from level to level+1.
// It returns 0 at or above the cap.
func (e *Engine) XPToAdvance(level int) int64 {
	if level >= e.rules.MaxLevel {
		return 0
	}
	if level < 1 {
		level = 1
	}
	cost := math.Floor(float64(e.rules.BaseLevelXP) * math.Pow(e.rules.LevelMultiplier, float64(level-1)))
	if cost >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(cost)
}

// LevelForXP returns the level for a cumulative XP total, in [1, MaxLevel].
func (e *Engine) LevelForXP(total int64) int {
	if total <= 0 {
		return 1
	}
	// First level whose threshold exceeds total, minus one.
	idx := sort.Search(len(e.thresholds)-1, func(i int) bool {
		return e.thresholds[i+1] > total
	})
	if idx < 1 {
		return 1
	}
	return idx
}

// XPForNextLevel returns the cumulative XP at which level+1 is reached,
// or 0 when level is already at the cap.
func (e *Engine) XPForNextLevel(level int) int64 {
	if level >= e.rules.MaxLevel {
		return 0
	}
	if level < 1 {
		level = 1
	}
	return e.thresholds[level+1]
}

// XPForLevel returns the cumulative XP at which level is reached.
func (e *Engine) XPForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	if level > e.rules.MaxLevel {
		level = e.rules.MaxLevel
	}
	return e.thresholds[level]
}

// Progress describes where a total sits on the level curve.
type Progress struct {
	TotalXP        int64 `json:"totalXP"`
	Level          int   `json:"level"`
	LevelFloorXP   int64 `json:"levelFloorXP"`
	XPForNextLevel int64 `json:"xpForNextLevel"`
	XPIntoLevel    int64 `json:"xpIntoLevel"`
	XPRemaining    int64 `json:"xpRemaining"`
	AtCap          bool  `json:"atCap"`
}

// Progress returns the level breakdown for total.
func (e *Engine) Progress(total int64) Progress {
	if total < 0 {
		total = 0
	}
	level := e.LevelForXP(total)
	p := Progress{
		TotalXP:        total,
		Level:          level,
		LevelFloorXP:   e.XPForLevel(level),
		XPForNextLevel: e.XPForNextLevel(level),
		AtCap:          level >= e.rules.MaxLevel,
	}
	p.XPIntoLevel = total - p.LevelFloorXP
	if !p.AtCap {
		p.XPRemaining = p.XPForNextLevel - total
	}
	return p
}

// XPForSessionFinalized returns the award for a finished study session.
//
// metDeadline is only consulted when isScheduled is true; nil means the
// deadline outcome is unknown and leaves the award unchanged.
func (e *Engine) XPForSessionFinalized(durationMinutes, correctAnswers int, isScheduled bool, metDeadline *bool) (int64, error) {
	if durationMinutes < 0 || durationMinutes > MaxDurationMinutes {
		return 0, fmt.Errorf("%w: duration %d outside [0, %d]", ErrInvalidInput, durationMinutes, MaxDurationMinutes)
	}
	if correctAnswers < 0 || correctAnswers > MaxAnswers {
		return 0, fmt.Errorf("%w: correct answers %d outside [0, %d]", ErrInvalidInput, correctAnswers, MaxAnswers)
	}

	timeBonus := roundSaturating(float64(durationMinutes) * e.rules.SessionTimeRate)
	total := saturatingAdd(e.rules.SessionBase, timeBonus)
	total = saturatingAdd(total, saturatingMul(int64(correctAnswers), e.rules.SessionPerAnswer))

	if isScheduled && metDeadline != nil {
		if *metDeadline {
			total = roundSaturating(float64(total) * e.rules.ScheduledOnTimeMultiplier)
		} else {
			total = roundSaturating(float64(total) * e.rules.ScheduledLateMultiplier)
		}
	}

	if total < e.rules.MinAward {
		total = e.rules.MinAward
	}
	return total, nil
}

// XPForExamFinalized returns the award for a finished exam.
func (e *Engine) XPForExamFinalized(correctAnswers, totalQuestions int) (int64, error) {
	if correctAnswers < 0 || totalQuestions < 0 || totalQuestions > MaxAnswers {
		return 0, fmt.Errorf("%w: correct=%d total=%d", ErrInvalidInput, correctAnswers, totalQuestions)
	}
	if correctAnswers > totalQuestions {
		return 0, fmt.Errorf("%w: %d correct answers out of %d questions", ErrInvalidInput, correctAnswers, totalQuestions)
	}
	total := saturatingAdd(e.rules.ExamBase, saturatingMul(int64(correctAnswers), e.rules.ExamPerAnswer))
	return saturatingAdd(total, e.AccuracyBonus(correctAnswers, totalQuestions)), nil
}

// AccuracyBonus returns the tier bonus for an exam result. An exam with no
// questions earns no bonus.
func (e *Engine) AccuracyBonus(correctAnswers, totalQuestions int) int64 {
	if totalQuestions <= 0 {
		return 0
	}
	pct := float64(correctAnswers) / float64(totalQuestions) * 100
	for _, tier := range e.rules.ExamTiers {
		if pct >= tier.MinPercent {
			return tier.Bonus
		}
	}
	return 0
}

// AddXP returns current+delta. A negative delta is an invariant violation;
// a result above maxTotal (when maxTotal > 0) is a cap error.
func AddXP(current, delta, maxTotal int64) (int64, error) {
	if current < 0 {
		return current, fmt.Errorf("%w: stored total %d is negative", ErrNegativeXP, current)
	}
	if delta < 0 {
		return current, fmt.Errorf("%w: delta %d", ErrNegativeXP, delta)
	}
	next := saturatingAdd(current, delta)
	if maxTotal > 0 && next > maxTotal {
		return current, fmt.Errorf("%w: %d + %d exceeds %d", ErrXPCapExceeded, current, delta, maxTotal)
	}
	return next, nil
}

// saturatingMul multiplies two non-negative values, pinning at MaxInt64.
func saturatingMul(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

// roundSaturating rounds f to an int64 in [0, MaxInt64].
func roundSaturating(f float64) int64 {
	r := math.Round(f)
	switch {
	case math.IsNaN(r) || r <= 0:
		return 0
	case r >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(r)
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// LevelForXP evaluates the default engine.
func LevelForXP(total int64) int { return defaultEngine.LevelForXP(total) }

// XPForNextLevel evaluates the default engine.
func XPForNextLevel(level int) int64 { return defaultEngine.XPForNextLevel(level) }

// XPForSessionFinalized evaluates the default engine.
func XPForSessionFinalized(durationMinutes, correctAnswers int, isScheduled bool, metDeadline *bool) (int64, error) {
	return defaultEngine.XPForSessionFinalized(durationMinutes, correctAnswers, isScheduled, metDeadline)
}

// XPForExamFinalized evaluates the default engine.
func XPForExamFinalized(correctAnswers, totalQuestions int) (int64, error) {
	return defaultEngine.XPForExamFinalized(correctAnswers, totalQuestions)
}
