// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
)

// mockService counts Serve calls and fails the first failures of them.
type mockService struct {
	name     string
	failures int32
	err      error

	starts atomic.Int32
	stops  atomic.Int32
	calls  atomic.Int32
}

func newMockService(name string) *mockService {
	return &mockService{name: name}
}

func (m *mockService) Serve(ctx context.Context) error {
	m.starts.Add(1)
	defer m.stops.Add(1)

	if m.calls.Add(1) <= m.failures {
		return errors.New("simulated failure")
	}
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string {
	return m.name
}
