// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/questline/internal/validation"
)

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateRouter(); err != nil {
		return err
	}
	if err := c.validateStreak(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateUsers()
}

func (c *Config) validateBroker() error {
	if err := validateAMQPURL(c.Broker.URL); err != nil {
		return fmt.Errorf("BROKER_URL is invalid: %w", err)
	}
	if err := requirePositive("RECONNECT_DELAY", c.Broker.ReconnectDelay); err != nil {
		return err
	}
	if err := requirePositive("BROKER_CONNECT_TIMEOUT", c.Broker.ConnectTimeout); err != nil {
		return err
	}
	if err := requirePositive("BROKER_PUBLISH_TIMEOUT", c.Broker.PublishTimeout); err != nil {
		return err
	}
	if c.Broker.DeadLetterTTL < time.Millisecond {
		return fmt.Errorf("DEAD_LETTER_TTL must be at least 1ms, got %v", c.Broker.DeadLetterTTL)
	}
	return nil
}

func (c *Config) validateRouter() error {
	if c.Router.RetryMaxAttempts > 0 {
		if err := requirePositive("ROUTER_RETRY_INTERVAL", c.Router.RetryInterval); err != nil {
			return err
		}
	}
	if err := requirePositive("ROUTER_CLOSE_TIMEOUT", c.Router.CloseTimeout); err != nil {
		return err
	}
	return requirePositive("ROUTER_HANDLER_TIMEOUT", c.Router.HandlerTimeout)
}

func (c *Config) validateStreak() error {
	if len(c.Streak.Milestones) == 0 {
		return fmt.Errorf("STREAK_MILESTONES must list at least one milestone")
	}
	for i := 1; i < len(c.Streak.Milestones); i++ {
		if c.Streak.Milestones[i] <= c.Streak.Milestones[i-1] {
			return fmt.Errorf("STREAK_MILESTONES must be strictly ascending, got %v", c.Streak.Milestones)
		}
	}
	if c.Streak.SweepInterval < 0 {
		return fmt.Errorf("STREAK_SWEEP_INTERVAL must not be negative")
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required unless STORE_IN_MEMORY=true")
	}
	if err := requirePositive("STORE_IDEMPOTENCY_TTL", c.Store.IdempotencyTTL); err != nil {
		return err
	}
	return requirePositive("OUTBOX_RELAY_INTERVAL", c.Outbox.RelayInterval)
}

func (c *Config) validateUsers() error {
	if c.Users.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.Users.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("USER_SERVICE_URL must be an http(s) base URL, got %q", c.Users.BaseURL)
	}
	return requirePositive("USER_SERVICE_TIMEOUT", c.Users.Timeout)
}

func validateAMQPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("scheme must be amqp or amqps, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func requirePositive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}
