// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/store"
	"github.com/tomtom215/questline/internal/streak"
	"github.com/tomtom215/questline/internal/userdir"
	"github.com/tomtom215/questline/internal/xp"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingDeliverer keeps every row handed to it.
type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []store.OutboxMessage
}

func (r *recordingDeliverer) Deliver(_ context.Context, msgs []store.OutboxMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msgs...)
	r.mu.Unlock()
}

// take returns and clears the recorded rows.
func (r *recordingDeliverer) take() []store.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type fakeDirectory struct {
	err error
}

func (f fakeDirectory) CheckUser(context.Context, string) error {
	return f.err
}

type processorFixture struct {
	proc  *Processor
	store *store.Store
	clock *testClock
	out   *recordingDeliverer
}

func newProcessorFixture(t *testing.T, cfg ProcessorConfig, opts ...ProcessorOption) *processorFixture {
	t.Helper()

	clk := newTestClock()
	st, err := store.Open(store.Options{InMemory: true, IdempotencyTTL: time.Hour, Clock: clk.Now})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tracker, err := streak.NewTracker(streak.Config{
		TargetMinutes:   30,
		Milestones:      []int{3, 7},
		DefaultTimezone: "UTC",
	})
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	out := &recordingDeliverer{}
	opts = append([]ProcessorOption{WithDeliverer(out)}, opts...)
	proc, err := NewProcessor(st, xp.Default(), tracker, cfg, opts...)
	if err != nil {
		t.Fatalf("NewProcessor() error = %v", err)
	}
	return &processorFixture{proc: proc, store: st, clock: clk, out: out}
}

func envelopeFor(t *testing.T, key string, data interface{}) *broker.Envelope {
	t.Helper()
	env, err := broker.NewEnvelope(key, "study-service", data, broker.PublishOptions{}, time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func keysOf(msgs []store.OutboxMessage) []string {
	keys := make([]string, len(msgs))
	for i, m := range msgs {
		keys[i] = m.RoutingKey
	}
	return keys
}

func decodeRow(t *testing.T, msgs []store.OutboxMessage, key string, v interface{}) {
	t.Helper()
	for _, m := range msgs {
		if m.RoutingKey == key {
			if err := json.Unmarshal(m.Data, v); err != nil {
				t.Fatalf("unmarshal %s: %v", key, err)
			}
			return
		}
	}
	t.Fatalf("no %s row in %v", key, keysOf(msgs))
}

func session(userID string, minutes, correct int) SessionFinalized {
	return SessionFinalized{
		UserID:           userID,
		SessionID:        fmt.Sprintf("s-%s-%d", userID, minutes),
		StudyTimeMinutes: minutes,
		CorrectAnswers:   correct,
		TotalQuestions:   10,
	}
}

func TestHandleSessionFinalized(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()
	env := envelopeFor(t, KeySessionFinalized, session("u1", 65, 8))

	if err := f.proc.HandleSessionFinalized(ctx, env); err != nil {
		t.Fatalf("HandleSessionFinalized() error = %v", err)
	}

	acct, err := f.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	// 5 + round(65*1.5) + 8*2
	if acct.TotalXP != 119 {
		t.Errorf("TotalXP = %d, want 119", acct.TotalXP)
	}

	rec, err := f.store.GetStreak(ctx, "u1")
	if err != nil {
		t.Fatalf("GetStreak() error = %v", err)
	}
	if rec.CurrentStreak != 1 || !rec.IsActivatedToday || rec.StudiedTodayMinutes != 65 {
		t.Errorf("streak = %+v, want activated day 1 with 65 minutes", rec)
	}

	rows := f.out.take()
	want := []string{KeyPointsUpdated, KeyLevelChanged, KeyStreakUpdated}
	if got := keysOf(rows); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("outbound keys = %v, want %v", got, want)
	}

	var points PointsUpdated
	decodeRow(t, rows, KeyPointsUpdated, &points)
	if points.XPGained != 119 || points.TotalXP != 119 || points.Level != 2 || points.PreviousLevel != 1 {
		t.Errorf("points = %+v", points)
	}
	if points.XPForNextLevel != 250 {
		t.Errorf("XPForNextLevel = %d, want 250", points.XPForNextLevel)
	}
	if points.SourceMessageID != env.MessageID || points.Reason != ReasonSessionFinalized {
		t.Errorf("points source = %q reason = %q", points.SourceMessageID, points.Reason)
	}

	var level LevelChanged
	decodeRow(t, rows, KeyLevelChanged, &level)
	if level.PreviousLevel != 1 || level.NewLevel != 2 || level.TotalXP != 119 {
		t.Errorf("level = %+v", level)
	}

	var st StreakUpdated
	decodeRow(t, rows, KeyStreakUpdated, &st)
	if !st.Activated || st.Broken || st.CurrentStreak != 1 || st.TargetMinutes != 30 {
		t.Errorf("streak event = %+v", st)
	}
}

func TestHandleSessionFinalized_Duplicate(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()
	env := envelopeFor(t, KeySessionFinalized, session("u1", 10, 0))

	for i := 0; i < 2; i++ {
		if err := f.proc.HandleSessionFinalized(ctx, env); err != nil {
			t.Fatalf("attempt %d error = %v", i, err)
		}
	}

	// A second processor has a cold cache; the store marker still holds.
	tracker, _ := streak.NewTracker(streak.DefaultConfig())
	cold, err := NewProcessor(f.store, xp.Default(), tracker, ProcessorConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := cold.HandleSessionFinalized(ctx, env); err != nil {
		t.Fatalf("cold cache attempt error = %v", err)
	}

	acct, err := f.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// 5 + 15
	if acct.TotalXP != 20 {
		t.Errorf("TotalXP = %d, want 20 (applied once)", acct.TotalXP)
	}
	if rows := f.out.take(); len(rows) != 1 {
		t.Errorf("outbound rows = %v, want one points update", keysOf(rows))
	}
}

func TestHandleSessionFinalized_Scheduled(t *testing.T) {
	t.Parallel()

	met, missed := true, false
	tests := []struct {
		name        string
		metDeadline *bool
		want        int64
	}{
		// base 5 + 90 = 95
		{"on time", &met, 143},
		{"late", &missed, 76},
		{"unknown", nil, 95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newProcessorFixture(t, ProcessorConfig{})
			data := session("u1", 60, 0)
			data.IsScheduled = true
			data.MetDeadline = tt.metDeadline
			if err := f.proc.HandleSessionFinalized(context.Background(), envelopeFor(t, KeySessionFinalized, data)); err != nil {
				t.Fatal(err)
			}
			acct, err := f.store.GetAccount(context.Background(), "u1")
			if err != nil {
				t.Fatal(err)
			}
			if acct.TotalXP != tt.want {
				t.Errorf("TotalXP = %d, want %d", acct.TotalXP, tt.want)
			}
		})
	}
}

func TestHandleSessionFinalized_StreakMilestone(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()

	var unlocked []AchievementUnlocked
	for day := 1; day <= 3; day++ {
		// Two sessions a day; only the one crossing 30 minutes activates.
		for _, minutes := range []int{20, 15} {
			env := envelopeFor(t, KeySessionFinalized, session("u1", minutes, 0))
			if err := f.proc.HandleSessionFinalized(ctx, env); err != nil {
				t.Fatalf("day %d: %v", day, err)
			}
		}
		for _, row := range f.out.take() {
			if row.RoutingKey == KeyAchievementUnlocked {
				var a AchievementUnlocked
				if err := json.Unmarshal(row.Data, &a); err != nil {
					t.Fatal(err)
				}
				unlocked = append(unlocked, a)
			}
		}
		f.clock.Advance(24 * time.Hour)
	}

	rec, err := f.store.GetStreak(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStreak != 3 || rec.LongestStreak != 3 {
		t.Errorf("streak = %d/%d, want 3/3", rec.CurrentStreak, rec.LongestStreak)
	}

	if len(unlocked) != 1 {
		t.Fatalf("unlock events = %+v, want one", unlocked)
	}
	if unlocked[0].Milestone != 3 || unlocked[0].AchievementID != "streak-3-days" || unlocked[0].CurrentStreak != 3 {
		t.Errorf("unlock = %+v", unlocked[0])
	}

	stored, err := f.store.ListAchievements(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Milestone != 3 {
		t.Errorf("stored achievements = %+v", stored)
	}
}

func TestHandleSessionCreated(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()

	created := SessionCreated{UserID: "u1", SessionID: "s1", Timezone: "Europe/Berlin"}
	if err := f.proc.HandleSessionCreated(ctx, envelopeFor(t, KeySessionCreated, created)); err != nil {
		t.Fatalf("HandleSessionCreated() error = %v", err)
	}

	if _, err := f.store.GetAccount(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetAccount() error = %v, want ErrNotFound (no XP for created)", err)
	}
	rec, err := f.store.GetStreak(ctx, "u1")
	if err != nil {
		t.Fatalf("GetStreak() error = %v", err)
	}
	if rec.Timezone != "Europe/Berlin" || rec.CurrentStreak != 0 {
		t.Errorf("record = %+v", rec)
	}
	if rows := f.out.take(); len(rows) != 0 {
		t.Errorf("outbound = %v, want none", keysOf(rows))
	}
}

func TestHandleSessionCreated_BreaksStaleStreak(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()

	if err := f.proc.HandleSessionFinalized(ctx, envelopeFor(t, KeySessionFinalized, session("u1", 45, 0))); err != nil {
		t.Fatal(err)
	}
	f.out.take()

	f.clock.Advance(48 * time.Hour)
	created := SessionCreated{UserID: "u1", SessionID: "s2"}
	if err := f.proc.HandleSessionCreated(ctx, envelopeFor(t, KeySessionCreated, created)); err != nil {
		t.Fatal(err)
	}

	rows := f.out.take()
	var st StreakUpdated
	decodeRow(t, rows, KeyStreakUpdated, &st)
	if !st.Broken || st.CurrentStreak != 0 || st.LongestStreak != 1 {
		t.Errorf("streak event = %+v, want broken with longest 1", st)
	}
}

func TestHandleExamFinalized(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()

	exam := ExamFinalized{UserID: "u1", ExamID: "e1", CorrectAnswers: 9, TotalQuestions: 10}
	if err := f.proc.HandleExamFinalized(ctx, envelopeFor(t, KeyExamFinalized, exam)); err != nil {
		t.Fatalf("HandleExamFinalized() error = %v", err)
	}

	acct, err := f.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// 20 + 9*2 + 50 (90% tier)
	if acct.TotalXP != 88 {
		t.Errorf("TotalXP = %d, want 88", acct.TotalXP)
	}

	var points PointsUpdated
	decodeRow(t, f.out.take(), KeyPointsUpdated, &points)
	if points.Reason != ReasonExamFinalized {
		t.Errorf("reason = %q", points.Reason)
	}

	// A long exam counts toward the streak.
	exam = ExamFinalized{UserID: "u1", ExamID: "e2", CorrectAnswers: 0, TotalQuestions: 5, DurationMinutes: 40}
	if err := f.proc.HandleExamFinalized(ctx, envelopeFor(t, KeyExamFinalized, exam)); err != nil {
		t.Fatal(err)
	}
	rec, err := f.store.GetStreak(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsActivatedToday || rec.CurrentStreak != 1 {
		t.Errorf("streak = %+v, want activated", rec)
	}
}

func TestHandlers_InvalidData(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	tests := []struct {
		name string
		key  string
		data interface{}
		h    HandlerFunc
	}{
		{"missing user", KeySessionFinalized, map[string]interface{}{"sessionId": "s1", "studyTimeMinutes": 5}, f.proc.HandleSessionFinalized},
		{"negative minutes", KeySessionFinalized, map[string]interface{}{"userId": "u1", "sessionId": "s1", "studyTimeMinutes": -5}, f.proc.HandleSessionFinalized},
		{"wrong type", KeySessionFinalized, map[string]interface{}{"userId": "u1", "sessionId": "s1", "studyTimeMinutes": "long"}, f.proc.HandleSessionFinalized},
		{"more correct than total", KeyExamFinalized, map[string]interface{}{"userId": "u1", "examId": "e1", "correctAnswers": 6, "totalQuestions": 5}, f.proc.HandleExamFinalized},
		{"huge session", KeySessionFinalized, map[string]interface{}{"userId": "u1", "sessionId": "s1", "studyTimeMinutes": int64(7e18)}, f.proc.HandleSessionFinalized},
		{"huge answer count", KeySessionFinalized, map[string]interface{}{"userId": "u1", "sessionId": "s1", "correctAnswers": int64(math.MaxInt64 / 2)}, f.proc.HandleSessionFinalized},
		{"huge exam", KeyExamFinalized, map[string]interface{}{"userId": "u1", "examId": "e1", "correctAnswers": int64(math.MaxInt64 / 2), "totalQuestions": int64(math.MaxInt64)}, f.proc.HandleExamFinalized},
		{"exam longer than a day", KeyExamFinalized, map[string]interface{}{"userId": "u1", "examId": "e1", "correctAnswers": 1, "totalQuestions": 2, "durationMinutes": 1441}, f.proc.HandleExamFinalized},
		{"bad timezone", KeySessionCreated, map[string]interface{}{"userId": "u1", "sessionId": "s1", "timezone": "Mars/Olympus"}, f.proc.HandleSessionCreated},
		{"not an object", KeySessionCreated, []int{1, 2}, f.proc.HandleSessionCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.h(context.Background(), envelopeFor(t, tt.key, tt.data))
			if !IsPermanentError(err) || CategoryOf(err) != ErrorCategoryValidation {
				t.Errorf("error = %v, want permanent validation error", err)
			}
		})
	}
}

func TestHandleSessionFinalized_UserDirectory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
		category  ErrorCategory
	}{
		{"unknown user", fmt.Errorf("%w: u1", userdir.ErrUserNotFound), false, ErrorCategoryDomain},
		{"directory down", fmt.Errorf("%w: timeout", userdir.ErrUnavailable), true, ErrorCategoryDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newProcessorFixture(t, ProcessorConfig{}, WithUserDirectory(fakeDirectory{err: tt.err}))
			err := f.proc.HandleSessionFinalized(context.Background(), envelopeFor(t, KeySessionFinalized, session("u1", 30, 1)))
			if IsRetryableError(err) != tt.retryable || CategoryOf(err) != tt.category {
				t.Errorf("error = %v (%s), want retryable=%v %s", err, CategoryOf(err), tt.retryable, tt.category)
			}
			if _, err := f.store.GetAccount(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("account created despite lookup failure: %v", err)
			}
		})
	}
}

func TestHandleSessionFinalized_XPCap(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{MaxTotalXP: 100})
	err := f.proc.HandleSessionFinalized(context.Background(), envelopeFor(t, KeySessionFinalized, session("u1", 65, 8)))
	if !IsPermanentError(err) || CategoryOf(err) != ErrorCategoryDomain || !errors.Is(err, xp.ErrXPCapExceeded) {
		t.Fatalf("error = %v, want permanent domain cap error", err)
	}
	if _, err := f.store.GetStreak(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("streak written despite rejected mutation: %v", err)
	}
	if rows := f.out.take(); len(rows) != 0 {
		t.Errorf("outbound = %v, want none", keysOf(rows))
	}
}

func TestProcessor_ConcurrentUsers(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%4)
			data := session(user, 10, 0)
			data.SessionID = fmt.Sprintf("s%d", i)
			errs <- f.proc.HandleSessionFinalized(ctx, envelopeFor(t, KeySessionFinalized, data))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("handler error = %v", err)
		}
	}

	for u := 0; u < 4; u++ {
		acct, err := f.store.GetAccount(ctx, fmt.Sprintf("u%d", u))
		if err != nil {
			t.Fatal(err)
		}
		// Ten sessions of 5 + 15 each.
		if acct.TotalXP != 200 {
			t.Errorf("u%d TotalXP = %d, want 200", u, acct.TotalXP)
		}
	}
	if f.proc.InFlightUsers() != 0 {
		t.Errorf("InFlightUsers() = %d, want 0", f.proc.InFlightUsers())
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, ProcessorConfig{})
	d := NewDispatcher()
	if err := f.proc.Register(d); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for _, key := range []string{KeySessionCreated, KeySessionFinalized, KeyExamFinalized} {
		if _, ok := d.Lookup(key); !ok {
			t.Errorf("no handler for %s", key)
		}
	}
	if err := f.proc.Register(d); !errors.Is(err, ErrDuplicatePattern) {
		t.Errorf("second Register() error = %v, want ErrDuplicatePattern", err)
	}
}
