// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Broker  BrokerConfig  `koanf:"broker"`
	Router  RouterConfig  `koanf:"router"`
	Streak  StreakConfig  `koanf:"streak"`
	XP      XPConfig      `koanf:"xp"`
	Store   StoreConfig   `koanf:"store"`
	Outbox  OutboxConfig  `koanf:"outbox"`
	Users   UsersConfig   `koanf:"users"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// BrokerConfig configures the AMQP connection and topology.
type BrokerConfig struct {
	// URL is the AMQP connection URL (amqp:// or amqps://).
	URL string `koanf:"url" validate:"required"`

	// Exchange is the shared durable topic exchange.
	Exchange string `koanf:"exchange" validate:"required"`

	// ServiceName namespaces this service's queues.
	ServiceName string `koanf:"service_name" validate:"required"`

	// Bindings are the routing-key patterns bound to the input queue.
	Bindings []string `koanf:"bindings" validate:"min=1,dive,bindingpattern"`

	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gte=0"`
	ReconnectDelay       time.Duration `koanf:"reconnect_delay"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout"`
	PublishTimeout       time.Duration `koanf:"publish_timeout"`

	// DeadLetterTTL is how long rejected messages stay in the DLQ.
	DeadLetterTTL time.Duration `koanf:"dead_letter_ttl"`

	// Concurrency is the number of in-flight deliveries per queue.
	Concurrency int `koanf:"concurrency" validate:"gte=1,lte=1024"`

	// PublisherConfirms waits for broker acks on every publish.
	PublisherConfirms bool `koanf:"publisher_confirms"`
}

// RouterConfig configures the watermill router.
type RouterConfig struct {
	RetryMaxAttempts int           `koanf:"retry_max_attempts" validate:"gte=0,lte=20"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`

	// HandlerTimeout bounds a single handler invocation's context.
	HandlerTimeout time.Duration `koanf:"handler_timeout"`

	// DedupCacheSize is the in-memory messageId cache in front of the store.
	DedupCacheSize int `koanf:"dedup_cache_size" validate:"gte=0"`
}

// StreakConfig configures the streak tracker.
type StreakConfig struct {
	// TargetMinutes is the daily study threshold that activates a day.
	TargetMinutes int `koanf:"target_minutes" validate:"gte=1,lte=1440"`

	// Milestones are the streak lengths that unlock achievements.
	Milestones []int `koanf:"milestones" validate:"dive,gte=1"`

	DefaultTimezone string `koanf:"default_timezone" validate:"required,timezone"`

	// SweepInterval runs the rollover sweeper; 0 disables it.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// XPConfig configures XP limits.
type XPConfig struct {
	// MaxTotalXP is a hard cap on an account total; 0 disables the cap.
	MaxTotalXP int64 `koanf:"max_total_xp" validate:"gte=0"`
}

// StoreConfig configures the badger state store.
type StoreConfig struct {
	Path           string        `koanf:"path"`
	InMemory       bool          `koanf:"in_memory"`
	SyncWrites     bool          `koanf:"sync_writes"`
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
	GCInterval     time.Duration `koanf:"gc_interval"`
}

// OutboxConfig configures the outbound event relay.
type OutboxConfig struct {
	RelayInterval time.Duration `koanf:"relay_interval"`
	BatchSize     int           `koanf:"batch_size" validate:"gte=1,lte=10000"`
}

// UsersConfig configures the user identity lookup.
type UsersConfig struct {
	// BaseURL of the user service; empty disables lookups.
	BaseURL   string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout   time.Duration `koanf:"timeout"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	CacheSize int           `koanf:"cache_size" validate:"gte=0"`
	RateLimit float64       `koanf:"rate_limit" validate:"gte=0"`
}

// ServerConfig configures the health and metrics HTTP server.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gte=1,lte=65535"`

	// HealthRateLimit is requests per minute per client IP on /health; 0 disables it.
	HealthRateLimit int           `koanf:"health_rate_limit" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// InputQueue is the name of this service's consumed queue.
func (b *BrokerConfig) InputQueue() string {
	return b.ServiceName + ".events"
}

// DeadLetterExchange is the name of the direct dead-letter exchange.
func (b *BrokerConfig) DeadLetterExchange() string {
	return b.Exchange + ".dlx"
}

// DeadLetterQueue is the name of this service's dead-letter queue.
func (b *BrokerConfig) DeadLetterQueue() string {
	return b.ServiceName + ".dlq"
}

// DeadLetterRoutingKey routes this service's rejects on the DLX.
func (b *BrokerConfig) DeadLetterRoutingKey() string {
	return b.ServiceName + ".dead"
}

// Load loads configuration from defaults, an optional YAML file and the environment.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
