package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/polymer/internal/app"
)

var runCmd = &cobra.Command{
	Use:       "run <task>",
	Short:     "Run one task in the foreground and exit",
	Long:      `Runs a single task to completion, ingests what it produced and exits. Use "polymer tasks" to list the task names.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: taskNames,
	RunE:      runTask,
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	name := args[0]
	start := time.Now()
	if err := application.RunTask(ctx, name); err != nil {
		logger.Error().Str("task", name).Err(err).Msg("Task failed")
		return err
	}

	logger.Info().Str("task", name).Dur("duration", time.Since(start)).Msg("Task finished")
	return nil
}
