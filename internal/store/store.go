// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
	"github.com/tomtom215/questline/internal/streak"
)

// Key prefixes. Each user has at most one account, streak and achievement
// row; unlocks for a user are kept in a single insert-only list.
const (
	prefixAccount   = "acct:"
	prefixStreak    = "streak:"
	prefixAchieve   = "ach:"
	prefixProcessed = "msg:"
	prefixOutbox    = "outbox:"
)

// Options configures Open.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// IdempotencyTTL is how long processed messageIds are remembered.
	IdempotencyTTL time.Duration

	// GCRatio is the value log discard ratio for RunGC (default 0.5).
	GCRatio float64

	// CloseTimeout bounds Close (default 30s).
	CloseTimeout time.Duration

	// Clock supplies UserState.Now. Defaults to time.Now.
	Clock func() time.Time
}

// Store persists gamification state in BadgerDB. Every Update is a single
// serializable transaction covering state, unlocks, outbox rows and the
// idempotency marker.
type Store struct {
	db   *badger.DB
	opts Options

	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

// Open opens (or creates) the store.
func Open(o Options) (*Store, error) {
	if !o.InMemory && o.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if o.GCRatio <= 0 || o.GCRatio >= 1 {
		o.GCRatio = 0.5
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 30 * time.Second
	}

	bopts := badger.DefaultOptions(o.Path)
	if o.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = o.SyncWrites
	bopts.Compression = options.Snappy
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", o.Path).
		Bool("in_memory", o.InMemory).
		Bool("sync_writes", o.SyncWrites).
		Dur("idempotency_ttl", o.IdempotencyTTL).
		Msg("Store opened")

	now := o.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, opts: o, now: now}, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Update applies m atomically. It returns ErrAlreadyProcessed if
// m.MessageID was committed before, ErrConflict if a concurrent transaction
// won, or the error returned by m.Apply. On success the returned state holds
// the committed records and the outbox rows with their keys.
func (s *Store) Update(ctx context.Context, m Mutation) (*UserState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if m.UserID == "" {
		return nil, ErrEmptyUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.RecordStoreTransaction("update", time.Since(start)) }()

	var state *UserState
	err := s.db.Update(func(txn *badger.Txn) error {
		if m.MessageID != "" {
			_, err := txn.Get([]byte(prefixProcessed + m.MessageID))
			if err == nil {
				return ErrAlreadyProcessed
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("read processed marker: %w", err)
			}
		}

		var err error
		state, err = loadState(txn, m.UserID, s.now().UTC())
		if err != nil {
			return err
		}

		if m.Apply != nil {
			if err := m.Apply(state); err != nil {
				return err
			}
		}

		if err := writeState(txn, state); err != nil {
			return err
		}

		if m.MessageID != "" {
			marker := badger.NewEntry([]byte(prefixProcessed+m.MessageID), []byte(m.RoutingKey)).
				WithTTL(s.opts.IdempotencyTTL)
			if err := txn.SetEntry(marker); err != nil {
				return fmt.Errorf("write processed marker: %w", err)
			}
		}
		return nil
	})

	if errors.Is(err, badger.ErrConflict) {
		metrics.RecordStoreConflict()
		return nil, fmt.Errorf("%w: user %s", ErrConflict, m.UserID)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// IsProcessed reports whether messageID has a live processed marker.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixProcessed + messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func loadState(txn *badger.Txn, userID string, now time.Time) (*UserState, error) {
	state := &UserState{
		UserID:       userID,
		Now:          now,
		Achievements: streak.Achievements{},
		persisted:    map[int]bool{},
	}

	found, err := getJSON(txn, prefixAccount+userID, &state.Account)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	state.AccountExists = found

	var rec streak.Record
	found, err = getJSON(txn, prefixStreak+userID, &rec)
	if err != nil {
		return nil, fmt.Errorf("load streak: %w", err)
	}
	if found {
		state.Streak = &rec
	}

	var unlocks []streak.Unlock
	if _, err := getJSON(txn, prefixAchieve+userID, &unlocks); err != nil {
		return nil, fmt.Errorf("load achievements: %w", err)
	}
	for _, u := range unlocks {
		state.Achievements[u.Milestone] = u
		state.persisted[u.Milestone] = true
	}
	return state, nil
}

func writeState(txn *badger.Txn, state *UserState) error {
	if state.accountDirty {
		if err := setJSON(txn, prefixAccount+state.UserID, &state.Account); err != nil {
			return fmt.Errorf("write account: %w", err)
		}
		state.AccountExists = true
	}
	if state.streakDirty && state.Streak != nil {
		if err := state.Streak.Check(); err != nil {
			return err
		}
		if err := setJSON(txn, prefixStreak+state.UserID, state.Streak); err != nil {
			return fmt.Errorf("write streak: %w", err)
		}
	}
	if len(state.newUnlocks) > 0 {
		if err := setJSON(txn, prefixAchieve+state.UserID, sortedUnlocks(state.Achievements)); err != nil {
			return fmt.Errorf("write achievements: %w", err)
		}
	}
	for i := range state.outbox {
		msg := &state.outbox[i]
		msg.key = outboxKey(msg.CreatedAt, i, msg.ID)
		if err := setJSON(txn, msg.key, msg); err != nil {
			return fmt.Errorf("write outbox: %w", err)
		}
	}
	return nil
}

// GetAccount returns the user's account or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var a Account
	if err := s.get(prefixAccount+userID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetStreak returns the user's streak record or ErrNotFound.
func (s *Store) GetStreak(ctx context.Context, userID string) (*streak.Record, error) {
	var r streak.Record
	if err := s.get(prefixStreak+userID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAchievements returns the user's unlocks by ascending milestone.
func (s *Store) ListAchievements(ctx context.Context, userID string) ([]streak.Unlock, error) {
	var unlocks []streak.Unlock
	err := s.get(prefixAchieve+userID, &unlocks)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return unlocks, err
}

// ForEachStreak calls fn for every stored streak record from one snapshot.
// Records passed to fn are copies; change them through Update.
func (s *Store) ForEachStreak(ctx context.Context, fn func(*streak.Record) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixStreak)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec streak.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable streak record")
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) get(key string, v interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, key, v)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Accounts      int   `json:"accounts"`
	Streaks       int   `json:"streaks"`
	OutboxPending int   `json:"outboxPending"`
	LSMBytes      int64 `json:"lsmBytes"`
	VLogBytes     int64 `json:"vlogBytes"`
}

// Stats counts rows by prefix. It walks keys only.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.checkOpen(); err != nil {
		return st, err
	}
	counts := map[string]*int{
		prefixAccount: &st.Accounts,
		prefixStreak:  &st.Streaks,
		prefixOutbox:  &st.OutboxPending,
	}
	err := s.db.View(func(txn *badger.Txn) error {
		for prefix, n := range counts {
			c, err := countPrefix(ctx, txn, prefix)
			if err != nil {
				return err
			}
			*n = c
		}
		return nil
	})
	st.LSMBytes, st.VLogBytes = s.db.Size()
	return st, err
}

func countPrefix(ctx context.Context, txn *badger.Txn, prefix string) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// HealthCheck verifies the store can serve a read transaction.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixAccount))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// RunGC reclaims value log space until badger has nothing left to rewrite.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.opts.InMemory {
		return nil
	}

	start := time.Now()
	defer func() { metrics.RecordStoreTransaction("gc", time.Since(start)) }()

	for {
		err := s.db.RunValueLogGC(s.opts.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close flushes and closes the database, giving up after CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	logging.Info().Msg("Closing store")

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Store closed")
		return nil
	case <-time.After(s.opts.CloseTimeout):
		logging.Warn().Dur("timeout", s.opts.CloseTimeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", s.opts.CloseTimeout)
	}
}
