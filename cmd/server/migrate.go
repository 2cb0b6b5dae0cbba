package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livepoll/livepoll/internal/config"
	"github.com/livepoll/livepoll/internal/infrastructure/postgres"
	"github.com/livepoll/livepoll/internal/infrastructure/sqlite"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("empty config")
			}
			logger := newLogger(cfg)

			switch cfg.Store {
			case config.StorePostgres:
				pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DatabaseMaxConns)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer pool.Close()
				if err := postgres.RunMigrations(cmd.Context(), pool, migrations(cfg)); err != nil {
					return err
				}
			case config.StoreSQLite:
				// the sqlite store migrates on open
				store, err := sqlite.New(cfg.SQLitePath, logger)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return err
				}
			default:
				logger.Info().Str("store", string(cfg.Store)).Msg("store has no schema, nothing to migrate")
				return nil
			}
			logger.Info().Str("store", string(cfg.Store)).Msg("migrations applied")
			return nil
		},
	}
}
