package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledger-sync/internal/api"
	"ledger-sync/pkg/config"
)

var tokenOpts struct {
	operator string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if tokenOpts.operator == "" {
			return errors.New("--operator is required")
		}
		if tokenOpts.ttl <= 0 {
			return errors.New("--ttl must be positive")
		}
		tok, err := api.GenerateToken(tokenOpts.operator, cfg.JWTSecret, time.Now().Add(tokenOpts.ttl))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenOpts.operator, "operator", "", "operator name recorded in the token (required)")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", 24*time.Hour, "token lifetime")
}
