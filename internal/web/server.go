// Package web hosts the HTTP process that exposes the §6 webhook API. The
// interactive dashboard and every other user-facing HTTP/WebSocket surface
// are explicitly out of scope; this server only answers the session
// gateway's webhooks and an operator's /orchestrate calls.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmops/swarmops/internal/api"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/orchestrator"
)

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableCORS      bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8090,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		EnableCORS:      false,
	}
}

// Server wraps an http.Server exposing the webhook API over the router
// built in internal/api.
type Server struct {
	httpServer *http.Server
	config     Config
	logger     *logging.Logger
}

// New constructs a Server bound to orc's webhook handlers.
func New(cfg Config, orc *orchestrator.Orchestrator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := api.New(orc, logger)
	router := api.NewRouter(h, api.RouterConfig{CORSOrigins: cfg.CORSOrigins, EnableCORS: cfg.EnableCORS})

	return &Server{
		config: cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start starts the HTTP server in a non-blocking manner.
func (s *Server) Start() error {
	s.logger.Info("starting webhook server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server error", "error", err.Error())
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down webhook server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
