// Package server is the HTTP surface: a chi router over the API handlers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/handlers"
)

// Handlers groups the API handlers the router mounts.
type Handlers struct {
	Tasks      *handlers.TaskHandler
	Assets     *handlers.AssetHandler
	Categories *handlers.CategoryHandler
}

// Server manages the HTTP server and routes
type Server struct {
	logger arbor.ILogger
	router *chi.Mux
	server *http.Server
}

// New creates a new HTTP server with the given handlers
func New(logger arbor.ILogger, config *common.ServerConfig, h Handlers) *Server {
	s := &Server{
		logger: logger,
	}

	s.router = s.setupRoutes(h)

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // file downloads
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
