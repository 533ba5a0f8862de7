// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/questline/internal/logging"
)

// outboxKey orders rows by creation time, then emit order within a mutation.
func outboxKey(createdAt time.Time, seq int, id string) string {
	return fmt.Sprintf("%s%020d:%04d:%s", prefixOutbox, createdAt.UnixNano(), seq, id)
}

// PendingOutbox returns up to limit unpublished rows, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var msgs []OutboxMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOutbox)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var msg OutboxMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping unreadable outbox row")
				continue
			}
			msg.key = string(item.KeyCopy(nil))
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return msgs, nil
}

// DeleteOutbox removes a published row. Deleting a missing row is not an error.
func (s *Store) DeleteOutbox(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("outbox key cannot be empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// CountOutbox returns the number of unpublished rows.
func (s *Store) CountOutbox(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = countPrefix(ctx, txn, prefixOutbox)
		return err
	})
	return n, err
}
