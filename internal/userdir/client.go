// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package userdir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tomtom215/questline/internal/cache"
	"github.com/tomtom215/questline/internal/circuitbreaker"
	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/logging"
	"github.com/tomtom215/questline/internal/metrics"
)

// Client checks that users exist in the user service. Positive answers are
// cached; concurrent lookups for the same user share one request.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[bool]
	known   *cache.LRU[string, struct{}]
	group   singleflight.Group
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		c.breaker = circuitbreaker.New[bool](cfg)
	}
}

// New returns a client for cfg. An empty BaseURL yields a client that
// accepts every user.
func New(cfg config.UsersConfig, opts ...Option) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if b := int(cfg.RateLimit); b > 1 {
			burst = b
		}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		known:   cache.NewLRU[string, struct{}](cfg.CacheSize, cfg.CacheTTL),
		log:     logging.WithComponent("userdir"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New[bool](circuitbreaker.DefaultConfig("user-directory"))
	}
	return c
}

// Enabled reports whether lookups are performed.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// CheckUser returns nil if userID exists, an error wrapping ErrUserNotFound
// if the user service says it does not, and an error wrapping ErrUnavailable
// for everything else.
func (c *Client) CheckUser(ctx context.Context, userID string) error {
	if !c.Enabled() {
		return nil
	}
	if c.known.Contains(userID) {
		metrics.RecordUserLookup("cache_hit")
		return nil
	}

	v, err, shared := c.group.Do(userID, func() (interface{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
		exists, err := c.breaker.Execute(func() (bool, error) {
			return c.lookup(ctx, userID)
		})
		return exists, err
	})
	if err != nil {
		metrics.RecordUserLookup("error")
		c.log.Warn().Err(err).Str("user_id", userID).Bool("shared", shared).Msg("User lookup failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists, _ := v.(bool); !exists {
		metrics.RecordUserLookup("not_found")
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	metrics.RecordUserLookup("found")
	c.known.Add(userID, struct{}{})
	return nil
}

// lookup performs GET {base}/users/{id}. A 404 is a successful answer for
// the breaker; only transport failures and unexpected statuses count.
func (c *Client) lookup(ctx context.Context, userID string) (bool, error) {
	reqURL := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.log.Debug().
		Str("user_id", userID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("User lookup")

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status: %d %s", resp.StatusCode, resp.Status)
	}
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// HealthCheck fails while the breaker is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}
	return nil
}

// Forget drops userID from the positive cache.
func (c *Client) Forget(userID string) {
	c.known.Remove(userID)
}
