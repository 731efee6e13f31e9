// Package cmd provides the CLI commands for relay.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/relay/internal/appdir"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// resolvedConfigPath is the file cfg was loaded from, watched by serve.
	resolvedConfigPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay - multiplex coding agent sessions over one WebSocket",
	Long: `relay runs coding agents as local processes and streams their
output to clients over a single multiplexed WebSocket.

Each session owns a working directory and at most one live agent stream.
Clients switch between sessions without reconnecting, answer the agent's
plan and question requests, and manage the background shells agents leave.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create relay directory: %w", err)
		}

		path := configPath
		if path == "" {
			p, err := appdir.ConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		loaded, err := config.LoadOrDefault(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		cfg = loaded
		resolvedConfigPath = path

		if err := logging.Initialize(loggingConfig(cfg.Logging)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.ConfigLoader().Debug("configuration loaded", "path", path, "agents", cfg.AgentNames())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default $RELAY_DIR/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,stream,agent'). Empty means all components.")
}

// loggingConfig merges the logging flags over the configuration file.
// Priority: --log-level > --debug > logging.level > info.
func loggingConfig(file config.LoggingConfig) logging.Config {
	level := "info"
	switch {
	case logLevel != "":
		level = logLevel
	case debug:
		level = "debug"
	case file.Level != "":
		level = file.Level
	}

	out := logging.Config{
		Level:      level,
		JSON:       logJSON || file.JSON,
		Components: splitList(logComponents),
	}
	path := logFile
	if path == "" {
		path = file.File
	}
	if path != "" {
		out.File = &logging.FileConfig{Path: path}
	}
	return out
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
