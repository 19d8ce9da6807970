// Package cmd defines the catchat command line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/catwiki/catchat/internal/log"
)

var (
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "catchat",
	Short: "Wiki knowledge base chat service",
	Long: `catchat serves an OpenAI-compatible chat API backed by a wiki
knowledge base: questions are answered by a retrieval-augmented agent
that searches the indexed wiki content and cites its sources.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false,
		"log in JSON format")
}

// newLogger builds the process logger from the global flags.
func newLogger() log.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: flagLogJSON})
}
