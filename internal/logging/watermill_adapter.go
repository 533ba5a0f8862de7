// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillAdapter implements watermill.LoggerAdapter on top of zerolog so
// router and middleware output lands in the same structured stream.
type WatermillAdapter struct {
	logger zerolog.Logger
}

// NewWatermillAdapter wraps the global logger with component=watermill.
func NewWatermillAdapter() *WatermillAdapter {
	return &WatermillAdapter{logger: WithComponent("watermill")}
}

// NewWatermillAdapterWithLogger wraps logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewWatermillAdapterWithLogger(logger zerolog.Logger) *WatermillAdapter {
	return &WatermillAdapter{logger: logger}
}

// Error implements watermill.LoggerAdapter.
func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	withFields(a.logger.Error().Err(err), fields).Msg(msg)
}

// Info implements watermill.LoggerAdapter.
func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	withFields(a.logger.Info(), fields).Msg(msg)
}

// Debug implements watermill.LoggerAdapter.
func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	withFields(a.logger.Debug(), fields).Msg(msg)
}

// Trace implements watermill.LoggerAdapter.
func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	withFields(a.logger.Trace(), fields).Msg(msg)
}

// With implements watermill.LoggerAdapter.
func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &WatermillAdapter{logger: ctx.Logger()}
}

func withFields(event *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}
