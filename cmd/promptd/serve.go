package main

import (
	"log/slog"

	"github.com/phrazzld/promptd/internal/config"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the queue consumers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := newApplication(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return app.run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads configuration and installs the JSON logger as the
// process default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.Setup(cfg.Server)
	slog.SetDefault(log)
	return cfg, log, nil
}
