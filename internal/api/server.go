// Package api provides the HTTP REST API and WebSocket server for Coach
// Core.
//
// It exposes PIN management, safety operations (emergency stop, interlock
// overrides, operational modes) and a real-time safety status stream to
// dash panels and the mobile app.
//
// The server follows the same lifecycle pattern as the infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/roadhaus/coach-core/internal/feature"
	"github.com/roadhaus/coach-core/internal/infrastructure/config"
	"github.com/roadhaus/coach-core/internal/infrastructure/logging"
	"github.com/roadhaus/coach-core/internal/pin"
	"github.com/roadhaus/coach-core/internal/safety"
	"github.com/roadhaus/coach-core/internal/secaudit"
	"github.com/roadhaus/coach-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	PINs      *pin.Manager
	Safety    *safety.Service
	Features  *feature.Registry
	Audit     *secaudit.Service // optional: security event queries disabled when nil
	Telemetry *telemetry.Store  // optional: staleness reporting disabled when nil
	Version   string
}

// Server is the HTTP API server for Coach Core.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub
// used for the safety status stream.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	pins      *pin.Manager
	safety    *safety.Service
	features  *feature.Registry
	audit     *secaudit.Service
	telemetry *telemetry.Store
	version   string

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates an API server with the given dependencies. The server is
// not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.PINs == nil {
		return nil, fmt.Errorf("pin manager is required")
	}
	if deps.Safety == nil {
		return nil, fmt.Errorf("safety service is required")
	}
	if deps.Features == nil {
		return nil, fmt.Errorf("feature registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		pins:      deps.PINs,
		safety:    deps.Safety,
		features:  deps.Features,
		audit:     deps.Audit,
		telemetry: deps.Telemetry,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server is stopped with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server. In-flight requests get up
// to 10 seconds to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// PublishStatus broadcasts a safety status snapshot to WebSocket clients
// subscribed to the safety.status channel. Implements the safety
// service's StatusPublisher so transitions stream without polling.
func (s *Server) PublishStatus(_ context.Context, status *safety.Status) error {
	if s.hub == nil {
		return nil
	}
	s.hub.Broadcast(ChannelSafetyStatus, status)
	return nil
}
