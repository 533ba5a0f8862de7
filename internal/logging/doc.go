// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package logging provides the process-wide zerolog logger for Questline.
//
// # Quick Start
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//
//	logging.Info().Str("queue", "gamification-service.events").Msg("Consumer started")
//	logging.Err(err).Str("routing_key", key).Msg("Publish failed")
//
// Always terminate chains with .Msg() or .Send(); an unterminated event is
// never written.
//
// # Configuration
//
//	LOG_LEVEL   - trace, debug, info, warn, error (default: info)
//	LOG_FORMAT  - json, console (default: json)
//	LOG_CALLER  - include file:line (default: false)
//
// # Message Context
//
// The event router stores the envelope messageId in the handler context so
// every line written while processing a message can be correlated:
//
//	ctx = logging.ContextWithMessageID(ctx, env.MessageID)
//	logging.Ctx(ctx).Info().Int64("xp", gained).Msg("XP awarded")
//
// # Adapters
//
// Two libraries in the stack bring their own logger interfaces:
//
//   - suture (through sutureslog) takes an *slog.Logger: use NewSlogLogger.
//   - the watermill router takes a watermill.LoggerAdapter: use NewWatermillAdapter.
//
// Both write through the global zerolog logger.
//
// # Testing
//
//	var buf bytes.Buffer
//	logging.SetLogger(logging.NewTestLogger(&buf))
package logging
