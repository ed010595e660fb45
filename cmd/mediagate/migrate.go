package main

import (
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/MediaGate/internal/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig("mediagate-migrate")
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema up to date")
			return nil
		},
	}
}
