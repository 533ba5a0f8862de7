// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/questline/internal/broker"
)

// HealthStatusType is the aggregate verdict served on /health.
type HealthStatusType string

const (
	HealthStatusHealthy   HealthStatusType = "healthy"
	HealthStatusDegraded  HealthStatusType = "degraded"
	HealthStatusUnhealthy HealthStatusType = "unhealthy"
)

const errCheckTimeout = "health check timeout"

// HealthConfig holds configuration for health checking.
type HealthConfig struct {
	// Timeout bounds each component check.
	Timeout time.Duration
}

// DefaultHealthConfig returns a 5s per-component timeout.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Timeout: 5 * time.Second}
}

// ComponentHealth is one component's answer. Healthy=false fails readiness;
// Degraded only lowers the aggregate status.
type ComponentHealth struct {
	Healthy   bool                   `json:"healthy"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Name      string                 `json:"name"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckable is implemented by components that support health checking.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) ComponentHealth
}

// OverallHealth is the aggregate of every registered component.
type OverallHealth struct {
	Healthy    bool                       `json:"healthy"`
	Status     HealthStatusType           `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker fans a check out to every registered component.
type HealthChecker struct {
	timeout time.Duration

	mu         sync.RWMutex
	components map[string]HealthCheckable
}

// NewHealthChecker creates a new health checker. A zero timeout takes the
// default.
func NewHealthChecker(cfg HealthConfig) *HealthChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthConfig().Timeout
	}
	return &HealthChecker{
		timeout:    cfg.Timeout,
		components: make(map[string]HealthCheckable),
	}
}

// RegisterComponent adds or replaces the component under name.
func (h *HealthChecker) RegisterComponent(name string, component HealthCheckable) {
	h.mu.Lock()
	h.components[name] = component
	h.mu.Unlock()
}

// UnregisterComponent removes a component from health checking.
func (h *HealthChecker) UnregisterComponent(name string) {
	h.mu.Lock()
	delete(h.components, name)
	h.mu.Unlock()
}

// Components returns the registered names, sorted.
func (h *HealthChecker) Components() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)
	return names
}

// CheckAll runs every component check concurrently and folds the results:
// any unhealthy component makes the whole unhealthy, otherwise any degraded
// one makes it degraded.
func (h *HealthChecker) CheckAll(ctx context.Context) OverallHealth {
	h.mu.RLock()
	snapshot := make(map[string]HealthCheckable, len(h.components))
	for name, c := range h.components {
		snapshot[name] = c
	}
	h.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(snapshot))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, c := range snapshot {
		g.Go(func() error {
			res := h.run(ctx, name, c)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := OverallHealth{
		Healthy:    true,
		Status:     HealthStatusHealthy,
		Timestamp:  time.Now(),
		Components: results,
	}
	for _, res := range results {
		switch {
		case !res.Healthy:
			overall.Healthy = false
			overall.Status = HealthStatusUnhealthy
		case res.Degraded && overall.Status == HealthStatusHealthy:
			overall.Status = HealthStatusDegraded
		}
	}
	return overall
}

// CheckComponent checks a single component by name.
func (h *HealthChecker) CheckComponent(ctx context.Context, name string) ComponentHealth {
	h.mu.RLock()
	c, ok := h.components[name]
	h.mu.RUnlock()
	if !ok {
		return ComponentHealth{Name: name, Error: "component not found", LastCheck: time.Now()}
	}
	return h.run(ctx, name, c)
}

// run calls c with the per-check timeout. A check that ignores its context
// is abandoned and reported as timed out.
func (h *HealthChecker) run(ctx context.Context, name string, c HealthCheckable) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan ComponentHealth, 1)
	go func() {
		done <- c.HealthCheck(ctx)
	}()

	var res ComponentHealth
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ComponentHealth{Error: errCheckTimeout}
	}
	res.Name = name
	res.LastCheck = time.Now()
	return res
}

// HealthCheckFunc adapts a function to HealthCheckable.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) ComponentHealth {
	return f(ctx)
}

// BrokerStatus is the part of broker.Client the broker check reads.
type BrokerStatus interface {
	State() broker.State
	DeadLetterDepth(ctx context.Context) (int, error)
}

// NewBrokerHealth reports the connection state. Unavailable is unhealthy;
// any other state short of Connected is degraded since the client is still
// trying. The DLQ depth is included when it can be read.
func NewBrokerHealth(b BrokerStatus) HealthCheckable {
	return HealthCheckFunc(func(ctx context.Context) ComponentHealth {
		state := b.State()
		health := ComponentHealth{
			Healthy: true,
			Details: map[string]interface{}{"state": state.String()},
		}

		switch state {
		case broker.StateConnected:
			health.Message = "connected"
			if depth, err := b.DeadLetterDepth(ctx); err == nil {
				health.Details["dead_letter_depth"] = depth
			} else {
				health.Details["dead_letter_error"] = err.Error()
			}
		case broker.StateUnavailable:
			health.Healthy = false
			health.Error = "reconnect attempts exhausted"
		default:
			health.Degraded = true
			health.Message = "not connected"
		}
		return health
	})
}

// NewDependencyHealth wraps an error-returning check. A failing critical
// dependency is unhealthy; a failing non-critical one is degraded.
func NewDependencyHealth(check func(ctx context.Context) error, critical bool) HealthCheckable {
	return HealthCheckFunc(func(ctx context.Context) ComponentHealth {
		err := check(ctx)
		switch {
		case err == nil:
			return ComponentHealth{Healthy: true, Message: "ok"}
		case critical:
			return ComponentHealth{Healthy: false, Error: err.Error()}
		default:
			return ComponentHealth{Healthy: true, Degraded: true, Message: err.Error()}
		}
	})
}
