// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/questline/internal/circuitbreaker"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
)

// Client owns one AMQP connection and its publish channel. Consumers get
// their own channels. It reconnects on connection or channel loss with a
// fixed delay, and gives up after MaxReconnectAttempts.
type Client struct {
	cfg      config.BrokerConfig
	topology Topology
	dial     dialFunc
	breaker  *gobreaker.CircuitBreaker[struct{}]
	log      zerolog.Logger
	now      func() time.Time

	mu           sync.RWMutex
	state        State
	conn         amqpConnection
	ch           amqpChannel
	consumers    map[*Consumer]struct{}
	reconnecting bool
	closed       bool

	closeCh         chan struct{}
	unavailable     chan struct{}
	unavailableOnce sync.Once
	wg              sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithBreaker overrides the publish circuit breaker settings.
func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		c.breaker = circuitbreaker.New[struct{}](cfg)
	}
}

// withDialer replaces the AMQP dialer.
func withDialer(d dialFunc) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// New returns a disconnected client. Call Connect to start it.
func New(cfg config.BrokerConfig, opts ...Option) *Client {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	c := &Client{
		cfg:         cfg,
		topology:    TopologyFor(cfg),
		dial:        dialAMQP,
		log:         logging.WithComponent("broker"),
		now:         time.Now,
		consumers:   make(map[*Consumer]struct{}),
		closeCh:     make(chan struct{}),
		unavailable: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New[struct{}](circuitbreaker.DefaultConfig("broker-publish"))
	}
	metrics.SetBrokerState(int(StateDisconnected))
	return c
}

// Topology returns the declared topology.
func (c *Client) Topology() Topology {
	return c.topology
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether publishes can be attempted.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Unavailable is closed once reconnection gives up.
func (c *Client) Unavailable() <-chan struct{} {
	return c.unavailable
}

// HealthCheck returns nil when connected, ErrUnavailable after giving up,
// and ErrNotConnected otherwise.
func (c *Client) HealthCheck(ctx context.Context) error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateUnavailable:
		return ErrUnavailable
	default:
		return ErrNotConnected
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("Broker state changed")
	c.state = s
	metrics.SetBrokerState(int(s))
}

// Connect establishes the connection and declares the topology. On failure
// it schedules reconnection and returns the error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateUnavailable:
		c.mu.Unlock()
		return ErrUnavailable
	case c.state == StateConnected:
		c.mu.Unlock()
		return nil
	case c.reconnecting:
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.establish(connectCtx); err != nil {
		c.log.Error().Err(err).Msg("Broker connection failed")
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.startReconnect()
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// establish dials, opens the publish channel, declares the topology and
// restarts registered consumers.
func (c *Client) establish(ctx context.Context) (err error) {
	defer func() { metrics.RecordBrokerConnect(err) }()

	conn, err := c.dial(c.cfg.URL, c.cfg.ConnectTimeout, c.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	// Register before the topology is declared so no close is missed.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := c.topology.Declare(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if c.cfg.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("enable publisher confirms: %w", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.ch = ch
	c.reconnecting = false
	c.setStateLocked(StateConnected)
	consumers := make([]*Consumer, 0, len(c.consumers))
	for cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(conn, connClosed, chClosed)

	for _, cons := range consumers {
		if err := c.startConsumer(conn, cons); err != nil {
			c.log.Error().Err(err).Str("queue", cons.queue).Msg("Failed to restart consumer")
		}
	}

	c.log.Info().
		Str("exchange", c.topology.Exchange).
		Str("queue", c.topology.InputQueue).
		Strs("bindings", c.topology.Bindings).
		Msg("Broker connected")
	return nil
}

// watch waits for the connection or publish channel to close.
func (c *Client) watch(conn amqpConnection, connClosed, chClosed chan *amqp.Error) {
	defer c.wg.Done()

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	case <-c.closeCh:
		return
	}
	c.handleDisconnect(conn, amqpErr)
}

func (c *Client) handleDisconnect(conn amqpConnection, amqpErr *amqp.Error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ch = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}

	event := c.log.Warn()
	if amqpErr != nil {
		event = event.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
	}
	event.Msg("Broker connection lost")

	c.startReconnect()
}

// startReconnect launches the reconnect loop unless one is running.
func (c *Client) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnecting || c.state == StateUnavailable || c.state == StateConnected {
		return
	}
	c.reconnecting = true
	c.setStateLocked(StateReconnecting)
	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.ReconnectDelay),
		uint64(c.cfg.MaxReconnectAttempts),
	)

	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.giveUp(attempt - 1)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.closeCh:
			timer.Stop()
			return
		}

		metrics.RecordBrokerReconnectAttempt()
		c.log.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Msg("Reconnecting to broker")

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.establish(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Broker reconnect attempt failed")
	}
}

func (c *Client) giveUp(attempts int) {
	c.mu.Lock()
	c.reconnecting = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateUnavailable)
	c.mu.Unlock()

	c.unavailableOnce.Do(func() { close(c.unavailable) })
	c.log.Error().Int("attempts", attempts).Msg("Broker unavailable: reconnect attempts exhausted")
}

// Close stops consumers and closes the connection. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.ch = nil
	consumers := make([]*Consumer, 0, len(c.consumers))
	for cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	if c.state != StateUnavailable {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.Stop()
	}

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	c.wg.Wait()

	c.log.Info().Msg("Broker client closed")
	if err != nil {
		return fmt.Errorf("close broker connection: %w", err)
	}
	return nil
}

// currentConn returns the live connection or ErrNotConnected.
func (c *Client) currentConn() (amqpConnection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.state == StateUnavailable:
		return nil, ErrUnavailable
	case c.conn == nil || c.state != StateConnected:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
