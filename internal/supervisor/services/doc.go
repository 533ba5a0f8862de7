// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

/*
Package services adapts Questline components to suture.Service.

  - LifecycleService: any Start/Stop/IsRunning/Name component (periodic
    loops, the outbox relay, the streak sweeper).
  - BrokerService: owns the AMQP client. Closes it on shutdown and stops
    without restart once the client reports it is unavailable.
  - RouterService: builds a new event router per Serve, since a watermill
    router runs only once, and exposes the running router's health.
  - HTTPServerService: ListenAndServe with graceful Shutdown.

Every wrapper implements fmt.Stringer so suture logs name the service.
*/
package services
