package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "polymer",
	Short: "Mirror a marketplace account and act on it",
	Long: `Polymer mirrors the liked items and orders of a marketplace account into a
local catalog, claims liked free items and downloads ordered files. Without
a subcommand it runs the server.`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(versionCmd)
}

// initialize loads configuration, sets up the logger and prints the banner.
// Order: defaults -> config files -> env -> CLI flags.
func initialize(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("polymer.toml"); err == nil {
			configFiles = append(configFiles, "polymer.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.InitLogger(config)
	crashDir := ""
	if config.Logging.File != "" {
		crashDir = filepath.Dir(config.Logging.File)
	}
	common.InstallCrashHandler(crashDir)
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Str("storage_type", config.Storage.Type).
		Str("downloads_dir", config.Downloads.Dir).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Msg("Resolved configuration (sanitized)")

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Msg("Application configuration loaded")

	return nil
}
