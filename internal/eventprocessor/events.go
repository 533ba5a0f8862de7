// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/validation"
)

// Inbound routing keys.
const (
	KeySessionCreated   = "study.session.created"
	KeySessionFinalized = "study.session.finalized"
	KeyExamFinalized    = "study.exam.finalized"
)

// Outbound routing keys.
const (
	KeyPointsUpdated       = "user.points.updated"
	KeyLevelChanged        = "user.level.changed"
	KeyAchievementUnlocked = "user.achievement.unlocked"
	KeyStreakUpdated       = "user.streak.updated"
)

// XP award reasons carried in user.points.updated.
const (
	ReasonSessionFinalized = "session_finalized"
	ReasonExamFinalized    = "exam_finalized"
)

// SessionCreated is the data of study.session.created.
type SessionCreated struct {
	UserID    string `json:"userId" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
	Timezone  string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// SessionFinalized is the data of study.session.finalized.
type SessionFinalized struct {
	UserID           string `json:"userId" validate:"required"`
	SessionID        string `json:"sessionId" validate:"required"`
	StudyTimeMinutes int    `json:"studyTimeMinutes" validate:"gte=0,lte=1440"`
	CorrectAnswers   int    `json:"correctAnswers" validate:"gte=0,lte=10000"`
	TotalQuestions   int    `json:"totalQuestions" validate:"gte=0,lte=10000"`
	IsScheduled      bool   `json:"isScheduled"`

	// MetDeadline is only meaningful for scheduled sessions; nil means the
	// deadline outcome is unknown.
	MetDeadline *bool  `json:"metDeadline,omitempty"`
	Timezone    string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// ExamFinalized is the data of study.exam.finalized.
type ExamFinalized struct {
	UserID          string `json:"userId" validate:"required"`
	ExamID          string `json:"examId" validate:"required"`
	CorrectAnswers  int    `json:"correctAnswers" validate:"gte=0,ltefield=TotalQuestions"`
	TotalQuestions  int    `json:"totalQuestions" validate:"gte=0,lte=10000"`
	DurationMinutes int    `json:"durationMinutes,omitempty" validate:"gte=0,lte=1440"`
	Timezone        string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// PointsUpdated is the data of user.points.updated.
type PointsUpdated struct {
	UserID          string `json:"userId"`
	XPGained        int64  `json:"xpGained"`
	TotalXP         int64  `json:"totalXP"`
	Level           int    `json:"level"`
	PreviousLevel   int    `json:"previousLevel"`
	XPForNextLevel  int64  `json:"xpForNextLevel"`
	Reason          string `json:"reason"`
	SourceMessageID string `json:"sourceMessageId"`
}

// LevelChanged is the data of user.level.changed.
type LevelChanged struct {
	UserID        string `json:"userId"`
	PreviousLevel int    `json:"previousLevel"`
	NewLevel      int    `json:"newLevel"`
	TotalXP       int64  `json:"totalXP"`
}

// AchievementUnlocked is the data of user.achievement.unlocked.
type AchievementUnlocked struct {
	UserID        string    `json:"userId"`
	Milestone     int       `json:"milestone"`
	AchievementID string    `json:"achievementId"`
	UnlockedAt    time.Time `json:"unlockedAt"`
	CurrentStreak int       `json:"currentStreak"`
}

// StreakUpdated is the data of user.streak.updated.
type StreakUpdated struct {
	UserID              string `json:"userId"`
	CurrentStreak       int    `json:"currentStreak"`
	LongestStreak       int    `json:"longestStreak"`
	StudiedTodayMinutes int    `json:"studiedTodayMinutes"`
	TargetMinutes       int    `json:"targetMinutes"`
	Activated           bool   `json:"activated"`
	Broken              bool   `json:"broken"`
}

// DecodeData unmarshals env.Data into v and validates it. Failures are
// permanent validation errors: the message can never succeed.
func DecodeData(env *broker.Envelope, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	if err := dec.Decode(v); err != nil {
		return NewPermanentError(ErrorCategoryValidation, "decode "+env.RoutingKey+" data", err)
	}
	if err := validation.ValidateStruct(v); err != nil {
		return NewPermanentError(ErrorCategoryValidation, "invalid "+env.RoutingKey+" data", err)
	}
	return nil
}
