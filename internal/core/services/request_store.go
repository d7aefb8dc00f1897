package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/pkg/clock"
	apperrors "screenshare/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRequestTTL is how long a request stays answerable.
const DefaultRequestTTL = 10 * time.Second

type CreateRequestInput struct {
	TicketID   domain.TicketID
	Sender     *domain.Profile
	Receiver   *domain.Profile
	Status     domain.RequestStatus
	AutoAccept bool
}

// RequestStore is the durable collection of negotiation requests. It assigns
// ids and timestamps, enforces expiry on reads and emits change events.
type RequestStore struct {
	repo    ports.RequestRepository
	emitter *events.Emitter
	clock   clock.Clock
	ttl     time.Duration
	logger  *zap.SugaredLogger
}

func NewRequestStore(
	repo ports.RequestRepository,
	emitter *events.Emitter,
	clk clock.Clock,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *RequestStore {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RequestStore{
		repo:    repo,
		emitter: emitter,
		clock:   clk,
		ttl:     ttl,
		logger:  logger,
	}
}

func (s *RequestStore) Create(ctx context.Context, in CreateRequestInput) (*domain.ScreenShareRequest, error) {
	var missing []string
	if in.TicketID == "" {
		missing = append(missing, "ticketId")
	}
	if in.Sender == nil || in.Sender.ID == "" {
		missing = append(missing, "sender.id")
	}
	if in.Receiver == nil || in.Receiver.ID == "" {
		missing = append(missing, "receiver.id")
	}
	if in.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewValidationError("Missing required fields: "+strings.Join(missing, ", ")).
			WithContext("fields", missing)
	}

	now := s.clock.Now()
	req := &domain.ScreenShareRequest{
		ID:         domain.RequestID(uuid.NewString()),
		TicketID:   in.TicketID,
		Sender:     in.Sender.Clone(),
		Receiver:   in.Receiver.Clone(),
		Status:     in.Status,
		AutoAccept: in.AutoAccept,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	if req.Status.IsActive() {
		s.expireStale(ctx, req.TicketID, now)
	}
	if err := s.repo.Create(ctx, req); err != nil {
		switch {
		case errors.Is(err, domain.ErrActiveRequestExists):
			return nil, apperrors.NewStateConflictError("An active screen share request already exists for this ticket")
		case errors.Is(err, domain.ErrProfileNotFound):
			return nil, apperrors.NewValidationError("Sender or receiver profile does not exist")
		}
		return nil, apperrors.WrapTransportError(err, "failed to create screen share request")
	}

	s.logger.Infow("Screen share request created",
		"request_id", req.ID,
		"ticket_id", req.TicketID,
		"sender_id", req.Sender.ID,
		"receiver_id", req.Receiver.ID,
		"status", req.Status,
	)
	s.emit(ctx, events.EventRequestCreated, req, s.emitter.RequestCreated)
	return req.Clone(), nil
}

func (s *RequestStore) GetByID(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, translateRequestErr(err, "failed to load screen share request")
	}
	return req, nil
}

// GetByTicketID returns every request of the ticket, newest first.
func (s *RequestStore) GetByTicketID(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareRequest, error) {
	reqs, err := s.repo.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.WrapTransportError(err, "failed to list screen share requests")
	}
	return reqs, nil
}

// GetActiveByTicketID returns the ticket's non-expired pending, accepted or
// active request. Expired requests are skipped even if their stored status
// still looks active.
func (s *RequestStore) GetActiveByTicketID(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareRequest, error) {
	now := s.clock.Now()
	req, err := s.repo.FindActiveByTicket(ctx, ticketID, now)
	if err != nil {
		return nil, translateRequestErr(err, "failed to load active screen share request")
	}
	if !req.IsActiveAt(now) {
		return nil, apperrors.NewNotFoundError("active screen share request")
	}
	return req, nil
}

func (s *RequestStore) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus) (*domain.ScreenShareRequest, error) {
	if _, err := domain.ParseRequestStatus(string(status)); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	req, err := s.repo.UpdateStatus(ctx, id, status, s.clock.Now())
	if err != nil {
		return nil, translateRequestErr(err, "failed to update screen share request")
	}

	s.logger.Infow("Screen share request updated",
		"request_id", req.ID,
		"ticket_id", req.TicketID,
		"status", req.Status,
	)
	s.emit(ctx, events.EventRequestUpdated, req, s.emitter.RequestUpdated)
	return req, nil
}

// Delete removes the request. No event is emitted; cancellation is reported
// to the caller through the return value of the manager operation.
func (s *RequestStore) Delete(ctx context.Context, id domain.RequestID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return translateRequestErr(err, "failed to delete screen share request")
	}
	s.logger.Infow("Screen share request deleted", "request_id", id)
	return nil
}

// expireStale marks the ticket's lapsed requests expired and reports each
// change. Repositories expire them again inside their conditional insert, so a
// failure here is only logged.
func (s *RequestStore) expireStale(ctx context.Context, ticketID domain.TicketID, now time.Time) {
	reqs, err := s.repo.ListByTicket(ctx, ticketID)
	if err != nil {
		s.logger.Warnw("Failed to list requests for expiry", "ticket_id", ticketID, "error", err)
		return
	}
	for _, req := range reqs {
		if !req.Status.IsActive() || req.IsActiveAt(now) {
			continue
		}
		expired, err := s.repo.UpdateStatus(ctx, req.ID, domain.RequestExpired, now)
		if err != nil {
			s.logger.Warnw("Failed to expire screen share request",
				"request_id", req.ID,
				"ticket_id", ticketID,
				"error", err,
			)
			continue
		}
		s.logger.Infow("Screen share request expired", "request_id", expired.ID, "ticket_id", ticketID)
		s.emit(ctx, events.EventRequestUpdated, expired, s.emitter.RequestUpdated)
	}
}

// emit publishes after a confirmed write. The write is authoritative, so a
// notification failure is logged rather than returned.
func (s *RequestStore) emit(
	ctx context.Context,
	event events.EventType,
	req *domain.ScreenShareRequest,
	fn func(context.Context, *domain.ScreenShareRequest) error,
) {
	if s.emitter == nil {
		return
	}
	if err := fn(ctx, req); err != nil {
		s.logger.Warnw("Failed to publish request event",
			"event", event,
			"request_id", req.ID,
			"ticket_id", req.TicketID,
			"error", err,
		)
	}
}

func translateRequestErr(err error, message string) error {
	if errors.Is(err, domain.ErrRequestNotFound) {
		return apperrors.NewNotFoundError("screen share request")
	}
	return apperrors.WrapTransportError(err, message)
}
