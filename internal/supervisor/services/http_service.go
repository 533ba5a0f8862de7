// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/questline/internal/logging"
)

const defaultHTTPShutdownTimeout = 10 * time.Second

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs the health and metrics server under suture.
//
// ListenAndServe runs in its own goroutine. When ctx is canceled the server
// gets shutdownTimeout to drain; a listener failure is returned so suture
// restarts the service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server. A non-positive shutdownTimeout means 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultHTTPShutdownTimeout
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	log := logging.WithComponent(h.name)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already canceled; drain on a fresh deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		log.Info().Msg("HTTP server stopped")
		return ctx.Err()
	}
}

// String identifies the service in suture logs.
func (h *HTTPServerService) String() string {
	return h.name
}
