package ports

import (
	"context"
	"time"

	"screenshare/internal/core/domain"
)

type ProfileRepository interface {
	GetByID(ctx context.Context, id domain.ProfileID) (*domain.Profile, error)
	Upsert(ctx context.Context, profile *domain.Profile) error
}

// RequestRepository persists screen share requests. Returned requests carry
// their sender and receiver profiles.
type RequestRepository interface {
	// Create inserts req unless another request of the same ticket is active
	// at req.CreatedAt, in which case it returns domain.ErrActiveRequestExists.
	Create(ctx context.Context, req *domain.ScreenShareRequest) error
	GetByID(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error)
	// ListByTicket returns every request of the ticket, newest first.
	ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareRequest, error)
	// FindActiveByTicket returns the request active at now or domain.ErrRequestNotFound.
	FindActiveByTicket(ctx context.Context, ticketID domain.TicketID, now time.Time) (*domain.ScreenShareRequest, error)
	UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, at time.Time) (*domain.ScreenShareRequest, error)
	Delete(ctx context.Context, id domain.RequestID) error
}

// SessionRepository persists screen share sessions. Returned sessions carry
// their publisher and subscriber profiles.
type SessionRepository interface {
	// Create inserts s unless the ticket already has an active session, in
	// which case it returns domain.ErrActiveSessionExists.
	Create(ctx context.Context, s *domain.ScreenShareSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error)
	ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareSession, error)
	// GetByRequestID returns the newest session created from the request.
	GetByRequestID(ctx context.Context, requestID domain.RequestID) (*domain.ScreenShareSession, error)
	FindActiveByTicket(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareSession, error)
	// Update replaces the mutable fields of an existing session.
	Update(ctx context.Context, s *domain.ScreenShareSession) error
}
