// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

/*
Package services provides suture.Service wrappers for the CTI update engine components.

This package adapts existing application components to the suture v4 supervision
model, translating various lifecycle patterns (Start/Stop, ListenAndServe)
into suture's context-aware Serve pattern.

# Overview

Each wrapper implements the suture.Service interface:

	type Service interface {
	    Serve(ctx context.Context) error
	}

The wrappers handle:
  - Lifecycle translation (Start/Stop to Serve pattern)
  - Graceful shutdown via context cancellation
  - Error propagation for supervisor restart decisions
  - Service identification via fmt.Stringer

# Available Services

HTTP Server (HTTPServerService):
  - Wraps *http.Server with graceful shutdown
  - Converts ListenAndServe pattern to Serve
  - Configurable shutdown timeout for draining connections
  - Serves the on-demand router (internal/ondemand) and the Prometheus
    /metrics endpoint

Compaction (CompactionService):
  - Wraps internal/kvstore.CompactionLoop's Start/Stop lifecycle
  - Runs periodic KV store compaction in the storage layer

The per-topic scheduler itself is supervised via internal/action.Service,
defined alongside the Action it wraps rather than in this package.

# Usage Example

Creating and registering services:

	import (
	    "net/http"
	    "time"

	    "github.com/oxbowsec/cti-updater/internal/action"
	    "github.com/oxbowsec/cti-updater/internal/supervisor"
	    "github.com/oxbowsec/cti-updater/internal/supervisor/services"
	)

	func setupSupervisor(server *http.Server, loop *kvstore.CompactionLoop, actions []*action.Action) {
	    tree, _ := supervisor.NewSupervisorTree(logger, config)

	    // HTTP server with 30s shutdown timeout
	    httpSvc := services.NewHTTPServerService(server, 30*time.Second)
	    tree.AddAPIService(httpSvc)

	    // Background compaction
	    tree.AddStorageService(services.NewCompactionService(loop))

	    // One scheduler per topic
	    for _, a := range actions {
	        tree.AddSchedulingService(action.NewService(a))
	    }

	    tree.Serve(ctx)
	}

# Lifecycle Patterns

The package handles two lifecycle patterns:

Start/Stop Pattern:

	type StartStopper interface {
	    Start(ctx context.Context) error
	    Stop()
	}

	// Wrapped as:
	func (s *Service) Serve(ctx context.Context) error {
	    if err := s.component.Start(ctx); err != nil {
	        return err
	    }
	    <-ctx.Done()
	    s.component.Stop()
	    return ctx.Err()
	}

ListenAndServe Pattern:

	type Listener interface {
	    ListenAndServe() error
	    Shutdown(ctx context.Context) error
	}

	// Wrapped as:
	func (s *Service) Serve(ctx context.Context) error {
	    go s.server.ListenAndServe()
	    <-ctx.Done()
	    return s.server.Shutdown(shutdownCtx)
	}

# Error Handling

Return values determine supervisor behavior:

	nil         -> Service stopped cleanly, will not restart
	error       -> Service crashed, supervisor will restart
	ctx.Err()   -> Shutdown requested, normal termination

# Service Identification

All services implement fmt.Stringer for logging:

	func (s *HTTPServerService) String() string {
	    return "http-server"
	}

# Thread Safety

All service wrappers are safe for concurrent use:
  - State is protected by mutexes where needed
  - Context cancellation is handled atomically
  - Multiple Serve calls are not supported (undefined behavior)

# See Also

  - internal/supervisor: SupervisorTree that manages these services
  - internal/action: the per-topic Service this package's siblings complement
  - github.com/thejerf/suture/v4: Underlying supervision library
*/
package services
