package main

import (
	"fmt"

	"github.com/phrazzld/promptd/internal/platform/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|reset|status|version]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "reset", "status", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
		}

		db, err := postgres.Open(cmd.Context(), cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		return postgres.Migrate(cmd.Context(), db, log, args[0])
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
