// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package store

import (
	"context"
	"time"

	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
	"github.com/tomtom215/questline/internal/periodic"
)

// NewMaintenanceLoop returns a loop that runs value log GC and refreshes the
// outbox backlog gauge. Expired idempotency markers are dropped by badger
// compaction, so GC is all the cleanup the store needs.
func NewMaintenanceLoop(s *Store, interval time.Duration) *periodic.Loop {
	return periodic.New("store-maintenance", interval, func(ctx context.Context) {
		start := time.Now()
		if err := s.RunGC(); err != nil {
			logging.Error().Err(err).Msg("Store GC failed")
		}
		if n, err := s.CountOutbox(ctx); err == nil {
			metrics.SetOutboxPending(n)
		}
		logging.Debug().Dur("duration", time.Since(start)).Msg("Store maintenance finished")
	})
}
