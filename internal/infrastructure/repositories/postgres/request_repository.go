package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"
)

var selectRequests = `
	SELECT r.id, r.ticket_id, r.sender_id, r.receiver_id, r.status, r.auto_accept,
	       r.expires_at, r.created_at, r.updated_at, ` +
	fmt.Sprintf(profileColumns, "s") + ", " + fmt.Sprintf(profileColumns, "v") + `
	FROM screenshare_requests r
	LEFT JOIN profiles s ON s.id = r.sender_id
	LEFT JOIN profiles v ON v.id = r.receiver_id`

type PostgresRequestRepository struct {
	db *sql.DB
}

func NewPostgresRequestRepository(db *sql.DB) ports.RequestRepository {
	return &PostgresRequestRepository{db: db}
}

// Create expires the ticket's stale active requests and inserts req in one
// transaction. The partial unique index rejects a second active request.
func (r *PostgresRequestRepository) Create(ctx context.Context, req *domain.ScreenShareRequest) error {
	row := rows.FromRequest(req)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if req.Status.IsActive() {
		_, err = tx.ExecContext(ctx, `
			UPDATE screenshare_requests SET status = 'expired', updated_at = $2
			WHERE ticket_id = $1 AND status IN ('pending', 'accepted', 'active') AND expires_at <= $2`,
			row.TicketID, row.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to expire stale requests: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO screenshare_requests
			(id, ticket_id, sender_id, receiver_id, status, auto_accept, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ID, row.TicketID, row.SenderID, row.ReceiverID, row.Status, row.AutoAccept,
		row.ExpiresAt, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

func (r *PostgresRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, selectRequests+` WHERE r.id = $1`, string(id)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrRequestNotFound
	}
	return req, err
}

func (r *PostgresRequestRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareRequest, error) {
	result, err := r.db.QueryContext(ctx,
		selectRequests+` WHERE r.ticket_id = $1 ORDER BY r.created_at DESC, r.seq DESC`, string(ticketID))
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer result.Close()

	out := []*domain.ScreenShareRequest{}
	for result.Next() {
		req, err := scanRequest(result)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, result.Err()
}

func (r *PostgresRequestRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID, now time.Time) (*domain.ScreenShareRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, selectRequests+`
		WHERE r.ticket_id = $1 AND r.status IN ('pending', 'accepted', 'active') AND r.expires_at > $2
		ORDER BY r.created_at DESC, r.seq DESC LIMIT 1`,
		string(ticketID), now.UTC(),
	))
	if err == sql.ErrNoRows {
		return nil, domain.ErrRequestNotFound
	}
	return req, err
}

func (r *PostgresRequestRepository) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, at time.Time) (*domain.ScreenShareRequest, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE screenshare_requests SET status = $2, updated_at = $3 WHERE id = $1`,
		string(id), string(status), at.UTC(),
	)
	if err != nil {
		return nil, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrRequestNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *PostgresRequestRepository) Delete(ctx context.Context, id domain.RequestID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM screenshare_requests WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRequestNotFound
	}
	return nil
}

func scanRequest(s rowScanner) (*domain.ScreenShareRequest, error) {
	var (
		row              rows.RequestRow
		sender, receiver joinedProfile
	)
	dest := []any{
		&row.ID, &row.TicketID, &row.SenderID, &row.ReceiverID, &row.Status, &row.AutoAccept,
		&row.ExpiresAt, &row.CreatedAt, &row.UpdatedAt,
	}
	dest = append(dest, sender.targets()...)
	dest = append(dest, receiver.targets()...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	row.ExpiresAt = row.ExpiresAt.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()

	sp, err := sender.toDomain()
	if err != nil {
		return nil, err
	}
	rp, err := receiver.toDomain()
	if err != nil {
		return nil, err
	}
	return row.ToDomain(sp, rp)
}
