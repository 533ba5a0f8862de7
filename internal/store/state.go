// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/questline/internal/streak"
)

// Account is a user's XP total. The level is derived from TotalXP and not stored.
type Account struct {
	UserID    string    `json:"userId"`
	TotalXP   int64     `json:"totalXP"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OutboxMessage is an outbound event persisted with the state change that
// produced it. MessageID is fixed at creation so relayed retries carry the
// same id and downstream consumers can deduplicate.
type OutboxMessage struct {
	ID         string          `json:"id"`
	MessageID  string          `json:"messageId"`
	RoutingKey string          `json:"routingKey"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`

	key string
}

// Key is the store key of the row, used with DeleteOutbox.
func (m OutboxMessage) Key() string {
	return m.key
}

// UserState is the snapshot handed to a Mutation. Changes are buffered and
// written when Apply returns nil.
type UserState struct {
	UserID string
	Now    time.Time

	// Account is the zero value with AccountExists false for new users.
	Account       Account
	AccountExists bool

	// Streak is nil until the user has a streak record.
	Streak *streak.Record

	// Achievements holds every unlock, including ones added in this mutation.
	Achievements streak.Achievements

	persisted    map[int]bool
	accountDirty bool
	streakDirty  bool
	newUnlocks   []streak.Unlock
	outbox       []OutboxMessage
}

// SetAccount replaces the account.
func (s *UserState) SetAccount(a Account) {
	a.UserID = s.UserID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now
	}
	a.UpdatedAt = s.Now
	s.Account = a
	s.accountDirty = true
}

// SetStreak replaces the streak record.
func (s *UserState) SetStreak(r *streak.Record) {
	r.UserID = s.UserID
	s.Streak = r
	s.streakDirty = true
}

// AddUnlocks records new achievements. Milestones unlocked before this
// mutation are ignored, so stored unlocks are never rewritten. The unlocks
// may already be in Achievements, as Tracker.CheckAchievements adds them.
func (s *UserState) AddUnlocks(unlocks ...streak.Unlock) {
	for _, u := range unlocks {
		if s.persisted[u.Milestone] || s.isNewUnlock(u.Milestone) {
			continue
		}
		s.Achievements[u.Milestone] = u
		s.newUnlocks = append(s.newUnlocks, u)
	}
}

func (s *UserState) isNewUnlock(milestone int) bool {
	for _, u := range s.newUnlocks {
		if u.Milestone == milestone {
			return true
		}
	}
	return false
}

// NewUnlocks returns the achievements added by this mutation.
func (s *UserState) NewUnlocks() []streak.Unlock {
	return s.newUnlocks
}

// Emit queues an outbound event. It is persisted atomically with the state.
func (s *UserState) Emit(routingKey string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	s.outbox = append(s.outbox, OutboxMessage{
		ID:         uuid.New().String(),
		MessageID:  uuid.New().String(),
		RoutingKey: routingKey,
		Data:       raw,
		CreatedAt:  s.Now,
	})
	return nil
}

// Outbox returns the events emitted by this mutation, in emit order. Keys
// are set once the mutation has committed.
func (s *UserState) Outbox() []OutboxMessage {
	return s.outbox
}

// Mutation is a read-modify-write on one user's records.
type Mutation struct {
	UserID string

	// MessageID makes the mutation idempotent; empty disables the check.
	MessageID string

	// RoutingKey is stored with the processed marker for debugging.
	RoutingKey string

	// Apply changes state. A non-nil error aborts the transaction and is
	// returned from Update unchanged.
	Apply func(state *UserState) error
}

// sortedUnlocks returns a's unlocks by ascending milestone.
func sortedUnlocks(a streak.Achievements) []streak.Unlock {
	out := make([]streak.Unlock, 0, len(a))
	for _, u := range a {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Milestone < out[j].Milestone })
	return out
}
