package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/api/middleware"
	"github.com/spf13/cobra"
)

var (
	tokenOwner string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		owner := uuid.New()
		if tokenOwner != "" {
			if owner, err = uuid.Parse(tokenOwner); err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
		}

		auth, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret, log)
		if err != nil {
			return err
		}
		token, err := auth.Issue(owner, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "owner id (default: random)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
