// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package services

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/logging"
)

// BrokerConnection is the lifecycle surface of *broker.Client.
type BrokerConnection interface {
	Connect(ctx context.Context) error
	Close() error
	Unavailable() <-chan struct{}
}

// BrokerService owns the broker connection.
//
// The client reconnects on its own with a fixed delay, so a failed first
// Connect is logged and the service keeps waiting. Once the client gives up
// (Unavailable) the service returns suture.ErrDoNotRestart: restarting would
// not reset the attempt budget, and readiness already reports the outage.
type BrokerService struct {
	conn BrokerConnection
	name string
}

// NewBrokerService wraps conn.
func NewBrokerService(conn BrokerConnection) *BrokerService {
	return &BrokerService{conn: conn, name: "broker-connection"}
}

// Serve implements suture.Service.
func (s *BrokerService) Serve(ctx context.Context) error {
	log := logging.WithComponent(s.name)

	if err := s.conn.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrUnavailable) || errors.Is(err, broker.ErrClosed) {
			return suture.ErrDoNotRestart
		}
		log.Warn().Err(err).Msg("Initial broker connection failed; reconnecting in background")
	}

	select {
	case <-ctx.Done():
		if err := s.conn.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing broker connection")
		}
		return ctx.Err()
	case <-s.conn.Unavailable():
		log.Error().Msg("Broker unavailable; connection service stopping")
		return suture.ErrDoNotRestart
	}
}

// String identifies the service in suture logs.
func (s *BrokerService) String() string {
	return s.name
}
