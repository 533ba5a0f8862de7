// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package streak

import (
	"fmt"
	"sort"
	"time"
)

// DefaultMilestones are the streak lengths, in days, that unlock an achievement.
var DefaultMilestones = []int{3, 7, 15, 30, 60, 100, 150, 200, 365}

// Config configures a Tracker.
type Config struct {
	// TargetMinutes is the study time needed to activate a day.
	TargetMinutes int

	// Milestones are streak lengths that unlock achievements.
	Milestones []int

	// DefaultTimezone is used for records without a valid timezone.
	DefaultTimezone string
}

// DefaultConfig returns the production tracker configuration.
func DefaultConfig() Config {
	return Config{
		TargetMinutes:   30,
		Milestones:      append([]int(nil), DefaultMilestones...),
		DefaultTimezone: "UTC",
	}
}

// Tracker applies the daily streak rules to Records. It holds no per-user
// state and is safe for concurrent use; callers serialize access to a
// single Record.
type Tracker struct {
	targetMinutes int
	milestones    []int
	defaultLoc    *time.Location
}

// NewTracker validates cfg and returns a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.TargetMinutes <= 0 {
		return nil, fmt.Errorf("%w: target minutes must be positive", ErrInvalidConfig)
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: default timezone %q: %v", ErrInvalidConfig, cfg.DefaultTimezone, err)
	}

	milestones := make([]int, 0, len(cfg.Milestones))
	seen := make(map[int]bool, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		if m <= 0 {
			return nil, fmt.Errorf("%w: milestone %d must be positive", ErrInvalidConfig, m)
		}
		if !seen[m] {
			seen[m] = true
			milestones = append(milestones, m)
		}
	}
	sort.Ints(milestones)

	return &Tracker{
		targetMinutes: cfg.TargetMinutes,
		milestones:    milestones,
		defaultLoc:    loc,
	}, nil
}

// Milestones returns the ascending milestone list.
func (t *Tracker) Milestones() []int {
	return append([]int(nil), t.milestones...)
}

// TargetMinutes returns the default activation threshold.
func (t *Tracker) TargetMinutes() int {
	return t.targetMinutes
}

// NewRecord returns a zeroed record for userID whose day starts at now.
// An empty or unknown timezone falls back to the tracker default.
func (t *Tracker) NewRecord(userID, timezone string, now time.Time) *Record {
	if _, err := time.LoadLocation(timezone); timezone == "" || err != nil {
		timezone = t.defaultLoc.String()
	}
	return &Record{
		UserID:        userID,
		TargetMinutes: t.targetMinutes,
		LastResetDate: now,
		Timezone:      timezone,
	}
}

// Location resolves the record's timezone.
func (t *Tracker) Location(rec *Record) *time.Location {
	if rec.Timezone != "" {
		if loc, err := time.LoadLocation(rec.Timezone); err == nil {
			return loc
		}
	}
	return t.defaultLoc
}

// RolloverResult reports what CheckRollover changed.
type RolloverResult struct {
	// RolledOver is true when a new local day started since the last reset.
	RolledOver bool

	// Broken is true when the rollover reset a non-zero streak.
	Broken bool

	// PreviousStreak is the streak before a break.
	PreviousStreak int
}

// CheckRollover starts a new local day on rec if now falls on a later local
// date than rec.LastResetDate. The streak survives only if the last
// activation was exactly the previous local day.
func (t *Tracker) CheckRollover(rec *Record, now time.Time) RolloverResult {
	loc := t.Location(rec)
	today := dayNumber(now, loc)

	if !rec.LastResetDate.IsZero() && today <= dayNumber(rec.LastResetDate, loc) {
		return RolloverResult{}
	}

	result := RolloverResult{RolledOver: true}
	studiedYesterday := !rec.LastStudyDate.IsZero() && dayNumber(rec.LastStudyDate, loc) == today-1
	if !studiedYesterday && rec.CurrentStreak > 0 {
		result.Broken = true
		result.PreviousStreak = rec.CurrentStreak
		rec.CurrentStreak = 0
	}

	rec.StudiedTodayMinutes = 0
	rec.IsActivatedToday = false
	rec.LastResetDate = now
	return result
}

// StudyResult reports the outcome of RecordStudy.
type StudyResult struct {
	Rollover RolloverResult

	// Activated is true only on the call that crossed the day's threshold.
	Activated bool
}

// RecordStudy adds minutes of study to today's total and activates the day
// when the threshold is first met.
func (t *Tracker) RecordStudy(rec *Record, minutes int, now time.Time) (StudyResult, error) {
	if minutes < 0 {
		return StudyResult{}, fmt.Errorf("%w: minutes %d", ErrInvalidInput, minutes)
	}
	if err := rec.Check(); err != nil {
		return StudyResult{}, err
	}

	res := StudyResult{Rollover: t.CheckRollover(rec, now)}
	rec.StudiedTodayMinutes += minutes

	target := rec.TargetMinutes
	if target <= 0 {
		target = t.targetMinutes
		rec.TargetMinutes = target
	}

	if rec.IsActivatedToday || rec.StudiedTodayMinutes < target {
		return res, nil
	}

	previousLongest := rec.LongestStreak
	rec.IsActivatedToday = true
	rec.LastStudyDate = now
	rec.CurrentStreak++
	if rec.CurrentStreak > rec.LongestStreak {
		rec.LongestStreak = rec.CurrentStreak
	}
	if rec.LongestStreak < previousLongest {
		return res, fmt.Errorf("%w: longest streak would drop from %d to %d", ErrInvariantViolation, previousLongest, rec.LongestStreak)
	}

	res.Activated = true
	return res, nil
}

// CheckAchievements returns the milestones reached by currentStreak that
// have no unlock in existing yet, and records them in existing. Calling it
// again with the same arguments returns nothing. A nil existing is treated
// as no unlocks and is left untouched.
func (t *Tracker) CheckAchievements(userID string, currentStreak int, existing Achievements, now time.Time) []Unlock {
	var unlocked []Unlock
	for _, m := range t.milestones {
		if currentStreak < m {
			break
		}
		if existing.Has(m) {
			continue
		}
		u := Unlock{
			UserID:        userID,
			Milestone:     m,
			AchievementID: AchievementID(m),
			UnlockedAt:    now,
		}
		if existing != nil {
			existing[m] = u
		}
		unlocked = append(unlocked, u)
	}
	return unlocked
}

// AchievementID names the achievement for a milestone.
func AchievementID(milestone int) string {
	return fmt.Sprintf("streak-%d-days", milestone)
}

// dayNumber maps an instant to a day count of its calendar date in loc.
func dayNumber(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}
