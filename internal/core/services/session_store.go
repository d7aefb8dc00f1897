package services

import (
	"context"
	"errors"
	"strings"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/pkg/clock"
	apperrors "screenshare/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateSessionInput struct {
	TicketID   domain.TicketID
	RequestID  domain.RequestID
	Publisher  *domain.Profile
	Subscriber *domain.Profile
	Status     domain.SessionStatus
}

// SessionStore is the durable collection of screen share sessions.
type SessionStore struct {
	repo    ports.SessionRepository
	emitter *events.Emitter
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewSessionStore(
	repo ports.SessionRepository,
	emitter *events.Emitter,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *SessionStore {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionStore{
		repo:    repo,
		emitter: emitter,
		clock:   clk,
		logger:  logger,
	}
}

func (s *SessionStore) Create(ctx context.Context, in CreateSessionInput) (*domain.ScreenShareSession, error) {
	var missing []string
	if in.TicketID == "" {
		missing = append(missing, "ticketId")
	}
	if in.RequestID == "" {
		missing = append(missing, "requestId")
	}
	if in.Publisher == nil || in.Publisher.ID == "" {
		missing = append(missing, "publisher.id")
	}
	if in.Subscriber == nil || in.Subscriber.ID == "" {
		missing = append(missing, "subscriber.id")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewValidationError("Missing required fields: "+strings.Join(missing, ", ")).
			WithContext("fields", missing)
	}
	if in.Status == "" {
		in.Status = domain.SessionInitializing
	}

	now := s.clock.Now()
	session := &domain.ScreenShareSession{
		ID:             domain.SessionID(uuid.NewString()),
		TicketID:       in.TicketID,
		RequestID:      in.RequestID,
		Publisher:      in.Publisher.Clone(),
		Subscriber:     in.Subscriber.Clone(),
		Status:         in.Status,
		StartedAt:      now,
		LastActivityAt: now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		switch {
		case errors.Is(err, domain.ErrActiveSessionExists):
			return nil, apperrors.NewStateConflictError("An active session already exists for this ticket")
		case errors.Is(err, domain.ErrProfileNotFound):
			return nil, apperrors.NewValidationError("Publisher or subscriber profile does not exist")
		}
		return nil, apperrors.WrapTransportError(err, "failed to create screen share session")
	}

	s.logger.Infow("Screen share session created",
		"session_id", session.ID,
		"ticket_id", session.TicketID,
		"request_id", session.RequestID,
	)
	s.emit(ctx, events.EventSessionCreated, session, s.emitter.SessionCreated)
	return session.Clone(), nil
}

func (s *SessionStore) GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, translateSessionErr(err, "failed to load screen share session")
	}
	return session, nil
}

func (s *SessionStore) GetByTicketID(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareSession, error) {
	sessions, err := s.repo.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.WrapTransportError(err, "failed to list screen share sessions")
	}
	return sessions, nil
}

func (s *SessionStore) GetByRequestID(ctx context.Context, requestID domain.RequestID) (*domain.ScreenShareSession, error) {
	session, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, translateSessionErr(err, "failed to load screen share session")
	}
	return session, nil
}

// GetActiveByTicketID returns the ticket's initializing or active session.
func (s *SessionStore) GetActiveByTicketID(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareSession, error) {
	session, err := s.repo.FindActiveByTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, apperrors.NewNotFoundError("active screen share session")
		}
		return nil, apperrors.WrapTransportError(err, "failed to load active screen share session")
	}
	return session, nil
}

// Update merges u into the session. Terminal sessions are never mutated again.
func (s *SessionStore) Update(ctx context.Context, id domain.SessionID, u domain.SessionUpdate) (*domain.ScreenShareSession, error) {
	if u.Status != nil {
		if _, err := domain.ParseSessionStatus(string(*u.Status)); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}

	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, translateSessionErr(err, "failed to load screen share session")
	}
	if session.IsTerminal() {
		if session.Status == domain.SessionEnded {
			return nil, apperrors.NewStateConflictError("Session already ended")
		}
		return nil, apperrors.NewStateConflictError("Session already failed")
	}

	previous := session.Status
	session.Apply(u, s.clock.Now())

	if err := s.repo.Update(ctx, session); err != nil {
		return nil, translateSessionErr(err, "failed to update screen share session")
	}

	s.logger.Infow("Screen share session updated",
		"session_id", session.ID,
		"ticket_id", session.TicketID,
		"from", previous,
		"status", session.Status,
	)
	s.emit(ctx, events.EventSessionUpdated, session, s.emitter.SessionUpdated)
	return session.Clone(), nil
}

func (s *SessionStore) EndSession(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	ended := domain.SessionEnded
	return s.Update(ctx, id, domain.SessionUpdate{Status: &ended})
}

func (s *SessionStore) MarkError(ctx context.Context, id domain.SessionID, message string) (*domain.ScreenShareSession, error) {
	status := domain.SessionError
	now := s.clock.Now()
	return s.Update(ctx, id, domain.SessionUpdate{
		Status:       &status,
		ErrorMessage: &message,
		EndedAt:      &now,
	})
}

func (s *SessionStore) emit(
	ctx context.Context,
	event events.EventType,
	session *domain.ScreenShareSession,
	fn func(context.Context, *domain.ScreenShareSession) error,
) {
	if s.emitter == nil {
		return
	}
	if err := fn(ctx, session); err != nil {
		s.logger.Warnw("Failed to publish session event",
			"event", event,
			"session_id", session.ID,
			"ticket_id", session.TicketID,
			"error", err,
		)
	}
}

func translateSessionErr(err error, message string) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFoundError("screen share session")
	case errors.Is(err, domain.ErrActiveSessionExists):
		return apperrors.NewStateConflictError("An active session already exists for this ticket")
	}
	return apperrors.WrapTransportError(err, message)
}
