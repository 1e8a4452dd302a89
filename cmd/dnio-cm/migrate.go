package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/datanimbus/dnio-configuration-manager/internal/config"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()
		db, err := storage.New(ctx, cfg.DatabaseURL, "", slog.Default())
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(ctx)

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		return nil
	},
}
