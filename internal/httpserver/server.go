// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/questline/internal/config"
	"github.com/tomtom215/questline/internal/eventprocessor"
	"github.com/tomtom215/questline/internal/logging"
)

// HealthSource aggregates component health. Satisfied by
// *eventprocessor.HealthChecker.
type HealthSource interface {
	CheckAll(ctx context.Context) eventprocessor.OverallHealth
}

// Handler serves the health and metrics routes.
type Handler struct {
	health    HealthSource
	startTime time.Time
	rateLimit int
}

// NewHandler returns the chi router for the operational endpoints.
// rateLimit is requests per minute per client IP on /health; 0 disables it.
func NewHandler(health HealthSource, rateLimit int) http.Handler {
	h := &Handler{health: health, startTime: time.Now(), rateLimit: rateLimit}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/health", func(r chi.Router) {
		if h.rateLimit > 0 {
			r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))
		}
		r.Get("/", h.Health)
		r.Get("/live", h.Live)
		r.Get("/ready", h.Ready)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewServer returns an http.Server for cfg serving handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Health reports every component. Degraded still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	overall := h.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall.Status == eventprocessor.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, overall)
}

// Live answers as long as the process can serve HTTP.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// Ready answers 503 until every critical component is healthy, e.g. while
// the broker is down for good after exhausting its reconnect attempts.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := h.health.CheckAll(r.Context())

	status, state := http.StatusOK, "ready"
	if !overall.Healthy {
		status, state = http.StatusServiceUnavailable, "not_ready"
	}
	failing := make([]string, 0)
	for name, c := range overall.Components {
		if !c.Healthy {
			failing = append(failing, name)
		}
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  state,
		"health":  overall.Status,
		"failing": failing,
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// requestLogger logs each request at debug level, or warn for 5xx.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := logging.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = logging.Warn()
		}
		event.
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
