package notify

import (
	"context"
	"encoding/json"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"

	"go.uber.org/zap"
)

// PublishingRequestRepository reports every successful insert or update as
// a ports.RowChange on the ticket's request channel. It gives backends
// without database triggers the same change feed postgres produces.
type PublishingRequestRepository struct {
	ports.RequestRepository
	publisher ports.Publisher
	logger    *zap.SugaredLogger
}

func NewPublishingRequestRepository(repo ports.RequestRepository, publisher ports.Publisher, logger *zap.SugaredLogger) *PublishingRequestRepository {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PublishingRequestRepository{RequestRepository: repo, publisher: publisher, logger: logger}
}

// Create also reports the lapsed requests the backend expires as part of the
// conditional insert.
func (r *PublishingRequestRepository) Create(ctx context.Context, req *domain.ScreenShareRequest) error {
	var lapsed []*domain.ScreenShareRequest
	if req.Status.IsActive() {
		lapsed = r.lapsed(ctx, req.TicketID, req.CreatedAt)
	}
	if err := r.RequestRepository.Create(ctx, req); err != nil {
		return err
	}
	for _, old := range lapsed {
		publishChange(ctx, r.publisher, r.logger, ports.RequestChannel(old.TicketID), ports.RowChange{
			Type:     ports.RowUpdate,
			Table:    ports.TableRequests,
			ID:       string(old.ID),
			TicketID: string(old.TicketID),
		})
	}
	publishChange(ctx, r.publisher, r.logger, ports.RequestChannel(req.TicketID), ports.RowChange{
		Type:     ports.RowInsert,
		Table:    ports.TableRequests,
		ID:       string(req.ID),
		TicketID: string(req.TicketID),
	})
	return nil
}

func (r *PublishingRequestRepository) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, at time.Time) (*domain.ScreenShareRequest, error) {
	req, err := r.RequestRepository.UpdateStatus(ctx, id, status, at)
	if err != nil {
		return nil, err
	}
	publishChange(ctx, r.publisher, r.logger, ports.RequestChannel(req.TicketID), ports.RowChange{
		Type:     ports.RowUpdate,
		Table:    ports.TableRequests,
		ID:       string(req.ID),
		TicketID: string(req.TicketID),
	})
	return req, nil
}

func (r *PublishingRequestRepository) lapsed(ctx context.Context, ticketID domain.TicketID, now time.Time) []*domain.ScreenShareRequest {
	reqs, err := r.RequestRepository.ListByTicket(ctx, ticketID)
	if err != nil {
		r.logger.Warnw("Failed to list requests before insert", "ticket_id", ticketID, "error", err)
		return nil
	}
	var out []*domain.ScreenShareRequest
	for _, req := range reqs {
		if req.Status.IsActive() && !req.IsActiveAt(now) {
			out = append(out, req)
		}
	}
	return out
}

// PublishingSessionRepository is the session counterpart of
// PublishingRequestRepository.
type PublishingSessionRepository struct {
	ports.SessionRepository
	publisher ports.Publisher
	logger    *zap.SugaredLogger
}

func NewPublishingSessionRepository(repo ports.SessionRepository, publisher ports.Publisher, logger *zap.SugaredLogger) *PublishingSessionRepository {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PublishingSessionRepository{SessionRepository: repo, publisher: publisher, logger: logger}
}

func (r *PublishingSessionRepository) Create(ctx context.Context, s *domain.ScreenShareSession) error {
	if err := r.SessionRepository.Create(ctx, s); err != nil {
		return err
	}
	publishChange(ctx, r.publisher, r.logger, ports.SessionChannel(s.TicketID), ports.RowChange{
		Type:     ports.RowInsert,
		Table:    ports.TableSessions,
		ID:       string(s.ID),
		TicketID: string(s.TicketID),
	})
	return nil
}

func (r *PublishingSessionRepository) Update(ctx context.Context, s *domain.ScreenShareSession) error {
	if err := r.SessionRepository.Update(ctx, s); err != nil {
		return err
	}
	publishChange(ctx, r.publisher, r.logger, ports.SessionChannel(s.TicketID), ports.RowChange{
		Type:     ports.RowUpdate,
		Table:    ports.TableSessions,
		ID:       string(s.ID),
		TicketID: string(s.TicketID),
	})
	return nil
}

// publishChange never fails the write it reports on.
func publishChange(ctx context.Context, publisher ports.Publisher, logger *zap.SugaredLogger, topic string, change ports.RowChange) {
	data, err := json.Marshal(change)
	if err != nil {
		logger.Warnw("Failed to encode row change", "topic", topic, "error", err)
		return
	}
	if err := publisher.Publish(ctx, topic, data); err != nil {
		logger.Warnw("Failed to publish row change",
			"topic", topic,
			"type", change.Type,
			"id", change.ID,
			"error", err,
		)
	}
}
