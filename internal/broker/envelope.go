// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/questline/internal/validation"
)

// Envelope is the wire unit on the exchange.
type Envelope struct {
	MessageID  string          `json:"messageId"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	RoutingKey string          `json:"routingKey"`
	Data       json.RawMessage `json:"data"`
}

// PublishOptions override envelope defaults.
type PublishOptions struct {
	// MessageID defaults to a new UUID. Set it to keep the id stable across
	// republishes.
	MessageID string

	// Timestamp defaults to the publish time.
	Timestamp time.Time

	// Headers are copied onto the AMQP message.
	Headers map[string]interface{}
}

// NewEnvelope wraps data for routingKey. data may be a json.RawMessage.
func NewEnvelope(routingKey, source string, data interface{}, opts PublishOptions, now time.Time) (*Envelope, error) {
	if !validation.IsRoutingKey(routingKey) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoutingKey, routingKey)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", routingKey, err)
	}

	env := &Envelope{
		MessageID:  opts.MessageID,
		Timestamp:  opts.Timestamp,
		Source:     source,
		RoutingKey: routingKey,
		Data:       raw,
	}
	if env.MessageID == "" {
		env.MessageID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	env.Timestamp = env.Timestamp.UTC()
	return env, nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and checks an envelope. Every failure wraps
// ErrMalformedEnvelope, so callers can dead-letter without inspecting it.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch {
	case env.MessageID == "":
		return nil, fmt.Errorf("%w: messageId is required", ErrMalformedEnvelope)
	case env.RoutingKey == "":
		return nil, fmt.Errorf("%w: routingKey is required", ErrMalformedEnvelope)
	case env.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: timestamp is required", ErrMalformedEnvelope)
	case len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")):
		return nil, fmt.Errorf("%w: data is required", ErrMalformedEnvelope)
	}
	return &env, nil
}
