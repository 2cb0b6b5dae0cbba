package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"github.com/livepoll/livepoll/internal/config"
	"github.com/livepoll/livepoll/internal/domain/poll"
	"github.com/livepoll/livepoll/internal/infrastructure/memory"
	"github.com/livepoll/livepoll/internal/infrastructure/postgres"
	"github.com/livepoll/livepoll/internal/infrastructure/sqlite"
)

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (poll.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory store, polls are lost on restart")
		return memory.NewPollStore(), func() {}, nil

	case config.StoreSQLite:
		store, err := sqlite.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close sqlite store")
			}
		}, nil

	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.AutoMigrate {
			if err := postgres.RunMigrations(ctx, pool, migrations(cfg)); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return postgres.NewPollRepository(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store)
}

func migrations(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return postgres.EmbeddedMigrations()
}
