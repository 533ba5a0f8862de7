// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	messageIDKey     contextKey = "message_id"
	loggerKey        contextKey = "logger"
)

// GenerateCorrelationID returns a short random ID for log correlation.
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID attaches a correlation ID to ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithMessageID attaches the envelope messageId being processed.
//
//	ctx = logging.ContextWithMessageID(ctx, env.MessageID)
func ContextWithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

// MessageIDFromContext returns the message ID or "".
func MessageIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(messageIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores a logger in ctx.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the stored logger or the global one.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger carrying the correlation and message IDs found in ctx.
//
//	logging.Ctx(ctx).Info().Str("user_id", uid).Msg("XP awarded")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := LoggerFromContext(ctx).With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("correlation_id", id)
	}
	if id := MessageIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("message_id", id)
	}
	l := logCtx.Logger()
	return &l
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
