// Package rows holds the persisted shape of profiles, requests and sessions
// and the mappers between those rows and domain objects. Requests and
// sessions are stored with profile ids only; the profiles are joined back in
// when a row is mapped to the domain.
package rows

import (
	"time"

	"screenshare/internal/core/domain"
)

type ProfileRow struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RequestRow struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Status     string    `json:"status"`
	AutoAccept bool      `json:"auto_accept"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SessionRow struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	RequestID      string     `json:"request_id"`
	PublisherID    string     `json:"publisher_id"`
	SubscriberID   string     `json:"subscriber_id"`
	Status         string     `json:"status"`
	StreamID       string     `json:"stream_id,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

func FromProfile(p *domain.Profile) ProfileRow {
	return ProfileRow{
		ID:          string(p.ID),
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		Email:       p.Email,
		CreatedAt:   p.CreatedAt.UTC(),
	}
}

func (r ProfileRow) ToDomain() (*domain.Profile, error) {
	role := domain.Role(r.Role)
	if !role.Valid() {
		return nil, &domain.MappingError{Entity: "profile", Field: "role", Err: domain.ErrUnknownStatus}
	}
	return &domain.Profile{
		ID:          domain.ProfileID(r.ID),
		Role:        role,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func FromRequest(req *domain.ScreenShareRequest) RequestRow {
	row := RequestRow{
		ID:         string(req.ID),
		TicketID:   string(req.TicketID),
		Status:     string(req.Status),
		AutoAccept: req.AutoAccept,
		ExpiresAt:  req.ExpiresAt.UTC(),
		CreatedAt:  req.CreatedAt.UTC(),
		UpdatedAt:  req.UpdatedAt.UTC(),
	}
	if req.Sender != nil {
		row.SenderID = string(req.Sender.ID)
	}
	if req.Receiver != nil {
		row.ReceiverID = string(req.Receiver.ID)
	}
	return row
}

// ToDomain joins the row with its sender and receiver. A nil profile means
// the join found nothing and is reported as a MappingError.
func (r RequestRow) ToDomain(sender, receiver *domain.Profile) (*domain.ScreenShareRequest, error) {
	if sender == nil {
		return nil, &domain.MappingError{Entity: "request", Field: "sender", Err: domain.ErrMissingJoinedProfile}
	}
	if receiver == nil {
		return nil, &domain.MappingError{Entity: "request", Field: "receiver", Err: domain.ErrMissingJoinedProfile}
	}
	status, err := domain.ParseRequestStatus(r.Status)
	if err != nil {
		return nil, &domain.MappingError{Entity: "request", Field: "status", Err: err}
	}
	if r.CreatedAt.IsZero() || r.ExpiresAt.IsZero() {
		return nil, &domain.MappingError{Entity: "request", Field: "created_at", Err: domain.ErrInvalidTimestamp}
	}
	return &domain.ScreenShareRequest{
		ID:         domain.RequestID(r.ID),
		TicketID:   domain.TicketID(r.TicketID),
		Sender:     sender.Clone(),
		Receiver:   receiver.Clone(),
		Status:     status,
		AutoAccept: r.AutoAccept,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
	}, nil
}

func FromSession(s *domain.ScreenShareSession) SessionRow {
	row := SessionRow{
		ID:             string(s.ID),
		TicketID:       string(s.TicketID),
		RequestID:      string(s.RequestID),
		Status:         string(s.Status),
		StreamID:       s.StreamID,
		ErrorMessage:   s.ErrorMessage,
		StartedAt:      s.StartedAt.UTC(),
		LastActivityAt: s.LastActivityAt.UTC(),
	}
	if s.Publisher != nil {
		row.PublisherID = string(s.Publisher.ID)
	}
	if s.Subscriber != nil {
		row.SubscriberID = string(s.Subscriber.ID)
	}
	if s.EndedAt != nil {
		t := s.EndedAt.UTC()
		row.EndedAt = &t
	}
	return row
}

func (r SessionRow) ToDomain(publisher, subscriber *domain.Profile) (*domain.ScreenShareSession, error) {
	if publisher == nil {
		return nil, &domain.MappingError{Entity: "session", Field: "publisher", Err: domain.ErrMissingJoinedProfile}
	}
	if subscriber == nil {
		return nil, &domain.MappingError{Entity: "session", Field: "subscriber", Err: domain.ErrMissingJoinedProfile}
	}
	status, err := domain.ParseSessionStatus(r.Status)
	if err != nil {
		return nil, &domain.MappingError{Entity: "session", Field: "status", Err: err}
	}
	if r.StartedAt.IsZero() {
		return nil, &domain.MappingError{Entity: "session", Field: "started_at", Err: domain.ErrInvalidTimestamp}
	}
	s := &domain.ScreenShareSession{
		ID:             domain.SessionID(r.ID),
		TicketID:       domain.TicketID(r.TicketID),
		RequestID:      domain.RequestID(r.RequestID),
		Publisher:      publisher.Clone(),
		Subscriber:     subscriber.Clone(),
		Status:         status,
		StreamID:       r.StreamID,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      r.StartedAt,
		LastActivityAt: r.LastActivityAt,
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		s.EndedAt = &t
	}
	return s, nil
}
