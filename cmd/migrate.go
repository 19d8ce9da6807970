package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catwiki/catchat/db"
	"github.com/catwiki/catchat/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := newLogger()
		logger.Info("running migrations",
			"host", cfg.PostgresHost, "database", cfg.PostgresDBName)

		if err := db.Migrate(cfg.PostgresURL()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		logger.Info("migrations complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
