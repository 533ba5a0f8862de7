// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package httpserver serves the operational HTTP surface: health probes and
// Prometheus metrics. There is no application API.
//
//	GET /health        aggregated component health (503 when unhealthy)
//	GET /health/live   process liveness, always 200
//	GET /health/ready  200 only when every critical component is healthy
//	GET /metrics       Prometheus exposition
package httpserver
