package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories"
	pgrepo "screenshare/internal/infrastructure/repositories/postgres"
	"screenshare/pkg/config"
	"screenshare/pkg/validation"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert participant profiles (migrates postgres first)",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "YAML list of profiles; built-in demo profiles when empty")
}

type seedProfile struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
}

var demoProfiles = []seedProfile{
	{ID: "customer-1", Role: string(domain.RoleCustomer), DisplayName: "Demo Customer", Email: "customer@example.com"},
	{ID: "engineer-1", Role: string(domain.RoleEngineer), DisplayName: "Demo Engineer", Email: "engineer@example.com"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	profiles := demoProfiles
	if seedFile != "" {
		profiles, err = readSeedFile(seedFile)
		if err != nil {
			return err
		}
	}

	if cfg.Storage.Backend == config.StorageMemory {
		log.Warn("storage.backend is memory; seeded profiles are lost when this command exits")
	}
	if cfg.Storage.Backend == config.StoragePostgres {
		if err := pgrepo.MigrateUp(cfg.Postgres.DSN, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	ctx := context.Background()
	backend, err := repositories.NewFactory(cfg, nil, log).Build(ctx)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	defer backend.Close()

	n, err := seedProfiles(ctx, backend.Profiles, profiles, time.Now().UTC())
	if err != nil {
		return err
	}
	log.Infow("profiles seeded", "count", n)
	return nil
}

func readSeedFile(path string) ([]seedProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var out struct {
		Profiles []seedProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return out.Profiles, nil
}

func seedProfiles(ctx context.Context, repo ports.ProfileRepository, in []seedProfile, now time.Time) (int, error) {
	for i, p := range in {
		if err := validation.ValidateProfileID(p.ID); err != nil {
			return i, fmt.Errorf("profile %d: %w", i, err)
		}
		role := domain.Role(p.Role)
		if role != domain.RoleCustomer && role != domain.RoleEngineer {
			return i, fmt.Errorf("profile %s: unknown role %q", p.ID, p.Role)
		}
		profile := &domain.Profile{
			ID:          domain.ProfileID(p.ID),
			Role:        role,
			DisplayName: p.DisplayName,
			Email:       p.Email,
			CreatedAt:   now,
		}
		if err := repo.Upsert(ctx, profile); err != nil {
			return i, fmt.Errorf("upsert profile %s: %w", p.ID, err)
		}
	}
	return len(in), nil
}
