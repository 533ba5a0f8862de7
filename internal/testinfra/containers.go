// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

//go:build integration

package testinfra

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// SkipIfNoDocker skips the test when no Docker daemon is reachable.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()

	if !IsDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
}

// IsDockerAvailable runs `docker info` with a short timeout.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// ContainerLogger adapts testcontainers logging to testing.T.
type ContainerLogger struct {
	t *testing.T
}

// NewContainerLogger creates a logger that outputs to testing.T.
func NewContainerLogger(t *testing.T) *ContainerLogger {
	return &ContainerLogger{t: t}
}

// Printf implements testcontainers.Logging.
func (l *ContainerLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

// WaitUntil polls check every interval until it returns nil, ctx ends or
// timeout passes. It returns the last check error on timeout.
func WaitUntil(ctx context.Context, check func(context.Context) error, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var last error
	for {
		if last = check(ctx); last == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return last
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// CleanupContainer terminates container and logs any error.
func CleanupContainer(t *testing.T, ctx context.Context, container testcontainers.Container) {
	t.Helper()

	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}
