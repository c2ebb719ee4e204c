// Package cmd provides the CLI commands for sage.
//
// Commands:
//   - ingest: run one ingestion pass over the configured Drive folder
//   - ask: answer a single question from the knowledge base
//   - serve: HTTP API server
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage keeps a training organization's knowledge base fresh and answerable",
	Long: `Sage ingests documents from a Google Drive folder into a vector
knowledge base and answers learner questions grounded in that base.

Run 'sage ingest' after documents change, 'sage serve' to expose the
HTTP API, or 'sage ask' for a one-off question.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig initializes the default logger and loads validated
// configuration. Every subcommand starts here.
func loadConfig() (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
