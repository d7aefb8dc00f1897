package main

import (
	"context"
	"fmt"

	pgrepo "screenshare/internal/infrastructure/repositories/postgres"
	redisrepo "screenshare/internal/infrastructure/repositories/redis"
	"screenshare/pkg/config"

	"github.com/spf13/cobra"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the storage schema (up, down)",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations for the configured storage backend",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert postgres migrations (--steps 0 reverts all)",
	RunE:  runMigrateDown,
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to revert")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		return pgrepo.MigrateUp(cfg.Postgres.DSN, log)

	case config.StorageRedis:
		// Connecting brings the key schema up to date.
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return err
		}
		defer redisrepo.CloseRedisClient(client)
		version, err := redisrepo.SchemaVersion(context.Background(), client)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		log.Infow("redis schema ready", "version", version)
		return nil

	default:
		log.Infow("nothing to migrate", "storage", cfg.Storage.Backend)
		return nil
	}
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != config.StoragePostgres {
		return fmt.Errorf("migrate down is only supported for postgres, storage.backend is %q", cfg.Storage.Backend)
	}
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	return pgrepo.MigrateDown(cfg.Postgres.DSN, migrateSteps, zapLogger.Sugar())
}
