package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"
)

type PostgresProfileRepository struct {
	db *sql.DB
}

func NewPostgresProfileRepository(db *sql.DB) ports.ProfileRepository {
	return &PostgresProfileRepository{db: db}
}

func (r *PostgresProfileRepository) GetByID(ctx context.Context, id domain.ProfileID) (*domain.Profile, error) {
	var row rows.ProfileRow
	err := r.db.QueryRowContext(ctx,
		`SELECT id, role, display_name, email, created_at FROM profiles WHERE id = $1`, string(id),
	).Scan(&row.ID, &row.Role, &row.DisplayName, &row.Email, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	row.CreatedAt = row.CreatedAt.UTC()
	return row.ToDomain()
}

func (r *PostgresProfileRepository) Upsert(ctx context.Context, profile *domain.Profile) error {
	row := rows.FromProfile(profile)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, role, display_name, email, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET role = EXCLUDED.role, display_name = EXCLUDED.display_name, email = EXCLUDED.email`,
		row.ID, row.Role, row.DisplayName, row.Email, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}
