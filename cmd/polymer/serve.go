package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/polymer/internal/app"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the ingester and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close application")
		}
	}()

	srv := server.New(logger, &config.Server, application.Handlers())

	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	})

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case err := <-application.Fatal():
		logger.Error().Err(err).Msg("Ingester stopped, shutting down")
		runErr = err
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server failed")
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return runErr
}
