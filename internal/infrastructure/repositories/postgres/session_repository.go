package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"
)

var selectSessions = `
	SELECT x.id, x.ticket_id, x.request_id, x.publisher_id, x.subscriber_id, x.status,
	       x.stream_id, x.error_message, x.started_at, x.ended_at, x.last_activity_at, ` +
	fmt.Sprintf(profileColumns, "p") + ", " + fmt.Sprintf(profileColumns, "b") + `
	FROM screenshare_sessions x
	LEFT JOIN profiles p ON p.id = x.publisher_id
	LEFT JOIN profiles b ON b.id = x.subscriber_id`

type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) ports.SessionRepository {
	return &PostgresSessionRepository{db: db}
}

func (r *PostgresSessionRepository) Create(ctx context.Context, s *domain.ScreenShareSession) error {
	row := rows.FromSession(s)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO screenshare_sessions
			(id, ticket_id, request_id, publisher_id, subscriber_id, status,
			 stream_id, error_message, started_at, ended_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.ID, row.TicketID, row.RequestID, row.PublisherID, row.SubscriberID, row.Status,
		row.StreamID, row.ErrorMessage, row.StartedAt, row.EndedAt, row.LastActivityAt,
	)
	return translate(err)
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	return r.one(ctx, selectSessions+` WHERE x.id = $1`, string(id))
}

func (r *PostgresSessionRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareSession, error) {
	result, err := r.db.QueryContext(ctx,
		selectSessions+` WHERE x.ticket_id = $1 ORDER BY x.started_at DESC, x.seq DESC`, string(ticketID))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer result.Close()

	out := []*domain.ScreenShareSession{}
	for result.Next() {
		s, err := scanSession(result)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, result.Err()
}

func (r *PostgresSessionRepository) GetByRequestID(ctx context.Context, requestID domain.RequestID) (*domain.ScreenShareSession, error) {
	return r.one(ctx,
		selectSessions+` WHERE x.request_id = $1 ORDER BY x.started_at DESC, x.seq DESC LIMIT 1`, string(requestID))
}

func (r *PostgresSessionRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareSession, error) {
	return r.one(ctx,
		selectSessions+` WHERE x.ticket_id = $1 AND x.status IN ('initializing', 'active') LIMIT 1`, string(ticketID))
}

func (r *PostgresSessionRepository) Update(ctx context.Context, s *domain.ScreenShareSession) error {
	row := rows.FromSession(s)
	res, err := r.db.ExecContext(ctx, `
		UPDATE screenshare_sessions
		SET status = $2, stream_id = $3, error_message = $4, ended_at = $5, last_activity_at = $6
		WHERE id = $1`,
		row.ID, row.Status, row.StreamID, row.ErrorMessage, row.EndedAt, row.LastActivityAt,
	)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) one(ctx context.Context, query string, args ...any) (*domain.ScreenShareSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	return s, err
}

func scanSession(sc rowScanner) (*domain.ScreenShareSession, error) {
	var (
		row                   rows.SessionRow
		endedAt               sql.NullTime
		publisher, subscriber joinedProfile
	)
	dest := []any{
		&row.ID, &row.TicketID, &row.RequestID, &row.PublisherID, &row.SubscriberID, &row.Status,
		&row.StreamID, &row.ErrorMessage, &row.StartedAt, &endedAt, &row.LastActivityAt,
	}
	dest = append(dest, publisher.targets()...)
	dest = append(dest, subscriber.targets()...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	row.StartedAt = row.StartedAt.UTC()
	row.LastActivityAt = row.LastActivityAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		row.EndedAt = &t
	}

	pp, err := publisher.toDomain()
	if err != nil {
		return nil, err
	}
	sp, err := subscriber.toDomain()
	if err != nil {
		return nil, err
	}
	return row.ToDomain(pp, sp)
}
