package postgres

import (
	"database/sql"
	"errors"
	"strings"

	"screenshare/internal/core/domain"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/lib/pq"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const profileColumns = "%[1]s.id, %[1]s.role, %[1]s.display_name, %[1]s.email, %[1]s.created_at"

// joinedProfile receives the columns of a LEFT JOINed profile.
type joinedProfile struct {
	id, role, displayName, email sql.NullString
	createdAt                    sql.NullTime
}

func (p *joinedProfile) targets() []any {
	return []any{&p.id, &p.role, &p.displayName, &p.email, &p.createdAt}
}

// toDomain returns nil when the join found no profile.
func (p *joinedProfile) toDomain() (*domain.Profile, error) {
	if !p.id.Valid {
		return nil, nil
	}
	return rows.ProfileRow{
		ID:          p.id.String,
		Role:        p.role.String,
		DisplayName: p.displayName.String,
		Email:       p.email.String,
		CreatedAt:   p.createdAt.Time.UTC(),
	}.ToDomain()
}

// translate maps constraint violations onto domain errors.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		switch {
		case strings.Contains(pqErr.Constraint, "requests_active"):
			return domain.ErrActiveRequestExists
		case strings.Contains(pqErr.Constraint, "sessions_active"):
			return domain.ErrActiveSessionExists
		}
	case "23503":
		return domain.ErrProfileNotFound
	}
	return err
}
