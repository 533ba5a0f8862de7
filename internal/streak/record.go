// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package streak

import (
	"fmt"
	"time"
)

// Record is a user's daily study streak.
type Record struct {
	UserID              string    `json:"userId"`
	CurrentStreak       int       `json:"currentStreak"`
	LongestStreak       int       `json:"longestStreak"`
	StudiedTodayMinutes int       `json:"studiedTodayMinutes"`
	TargetMinutes       int       `json:"targetMinutes"`
	IsActivatedToday    bool      `json:"isActivatedToday"`
	LastStudyDate       time.Time `json:"lastStudyDate"`
	LastResetDate       time.Time `json:"lastResetDate"`
	Timezone            string    `json:"timezone"`
}

// Check reports a record that breaks the streak invariants.
func (r *Record) Check() error {
	switch {
	case r.CurrentStreak < 0 || r.LongestStreak < 0 || r.StudiedTodayMinutes < 0:
		return fmt.Errorf("%w: negative counter on streak for %s", ErrInvariantViolation, r.UserID)
	case r.LongestStreak < r.CurrentStreak:
		return fmt.Errorf("%w: longest streak %d below current %d for %s",
			ErrInvariantViolation, r.LongestStreak, r.CurrentStreak, r.UserID)
	}
	return nil
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Unlock is an achievement earned by reaching a streak milestone. Unlocks
// are never modified once written.
type Unlock struct {
	UserID        string    `json:"userId"`
	Milestone     int       `json:"milestone"`
	AchievementID string    `json:"achievementId"`
	UnlockedAt    time.Time `json:"unlockedAt"`
}

// Achievements indexes a user's unlocks by milestone.
type Achievements map[int]Unlock

// Has reports whether milestone is already unlocked.
func (a Achievements) Has(milestone int) bool {
	_, ok := a[milestone]
	return ok
}
