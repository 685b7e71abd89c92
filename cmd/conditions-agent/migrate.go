package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/conditions-agent/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(*configPath, os.Stdout)
			if err != nil {
				return err
			}
			if settings.Database.URL == "" {
				return fmt.Errorf("database.url is not set")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			gw, err := store.NewPostgresGateway(ctx, &store.PostgresConfig{URL: settings.Database.URL})
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer gw.Close()
			if err := gw.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
