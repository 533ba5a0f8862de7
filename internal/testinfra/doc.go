// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package testinfra provides containers for integration tests.
//
// Everything here is behind the integration build tag:
//
//	go test -tags integration ./...
//
// # RabbitMQ Container
//
// NewRabbitMQContainer starts a real broker so topology declaration,
// dead-lettering and reconnect behavior can be checked against RabbitMQ
// itself rather than the in-memory broker the unit tests use:
//
//	func TestBrokerRoundTrip(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    rmq, err := testinfra.NewRabbitMQContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, rmq)
//
//	    client := broker.New(config.BrokerConfig{URL: rmq.URL, ...})
//	    // ...
//	}
//
// Tests are skipped when Docker is unavailable. The first run pulls the
// image.
package testinfra
