package events

import (
	"fmt"
	"time"

	"screenshare/internal/core/domain"
)

// Timestamps travel as ISO-8601 strings in UTC.
const timeLayout = time.RFC3339Nano

type ProfileWire struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

type RequestWire struct {
	ID         string       `json:"id"`
	TicketID   string       `json:"ticketId"`
	Sender     *ProfileWire `json:"sender"`
	Receiver   *ProfileWire `json:"receiver"`
	Status     string       `json:"status"`
	AutoAccept bool         `json:"autoAccept"`
	CreatedAt  string       `json:"createdAt"`
	UpdatedAt  string       `json:"updatedAt"`
	ExpiresAt  string       `json:"expiresAt"`
}

type SessionWire struct {
	ID             string       `json:"id"`
	TicketID       string       `json:"ticketId"`
	RequestID      string       `json:"requestId"`
	Publisher      *ProfileWire `json:"publisher"`
	Subscriber     *ProfileWire `json:"subscriber"`
	Status         string       `json:"status"`
	StreamID       string       `json:"streamId,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	StartedAt      string       `json:"startedAt"`
	EndedAt        *string      `json:"endedAt,omitempty"`
	LastActivityAt string       `json:"lastActivityAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(entity, field, s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, &domain.MappingError{
			Entity: entity,
			Field:  field,
			Err:    fmt.Errorf("%w: %q", domain.ErrInvalidTimestamp, s),
		}
	}
	return t, nil
}

func encodeProfile(entity, field string, p *domain.Profile) (*ProfileWire, error) {
	if p == nil {
		return nil, &domain.MappingError{Entity: entity, Field: field, Err: domain.ErrMissingJoinedProfile}
	}
	return &ProfileWire{
		ID:          string(p.ID),
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		Email:       p.Email,
	}, nil
}

func decodeProfile(entity, field string, w *ProfileWire) (*domain.Profile, error) {
	if w == nil || w.ID == "" {
		return nil, &domain.MappingError{Entity: entity, Field: field, Err: domain.ErrMissingJoinedProfile}
	}
	role := domain.Role(w.Role)
	if !role.Valid() {
		return nil, &domain.MappingError{Entity: entity, Field: field + ".role", Err: fmt.Errorf("invalid role %q", w.Role)}
	}
	return &domain.Profile{
		ID:          domain.ProfileID(w.ID),
		Role:        role,
		DisplayName: w.DisplayName,
		Email:       w.Email,
	}, nil
}

// EncodeRequest maps a request to its wire form. Both parties must be present.
func EncodeRequest(r *domain.ScreenShareRequest) (*RequestWire, error) {
	sender, err := encodeProfile("request", "sender", r.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := encodeProfile("request", "receiver", r.Receiver)
	if err != nil {
		return nil, err
	}
	return &RequestWire{
		ID:         string(r.ID),
		TicketID:   string(r.TicketID),
		Sender:     sender,
		Receiver:   receiver,
		Status:     string(r.Status),
		AutoAccept: r.AutoAccept,
		CreatedAt:  formatTime(r.CreatedAt),
		UpdatedAt:  formatTime(r.UpdatedAt),
		ExpiresAt:  formatTime(r.ExpiresAt),
	}, nil
}

// DecodeRequest rebuilds a request from its wire form, failing on any
// missing party, unknown status or malformed timestamp.
func DecodeRequest(w *RequestWire) (*domain.ScreenShareRequest, error) {
	if w == nil || w.ID == "" {
		return nil, &domain.MappingError{Entity: "request", Field: "id", Err: domain.ErrRequestNotFound}
	}
	sender, err := decodeProfile("request", "sender", w.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := decodeProfile("request", "receiver", w.Receiver)
	if err != nil {
		return nil, err
	}
	status, err := domain.ParseRequestStatus(w.Status)
	if err != nil {
		return nil, &domain.MappingError{Entity: "request", Field: "status", Err: err}
	}
	createdAt, err := parseTime("request", "createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime("request", "updatedAt", w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTime("request", "expiresAt", w.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return &domain.ScreenShareRequest{
		ID:         domain.RequestID(w.ID),
		TicketID:   domain.TicketID(w.TicketID),
		Sender:     sender,
		Receiver:   receiver,
		Status:     status,
		AutoAccept: w.AutoAccept,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		ExpiresAt:  expiresAt,
	}, nil
}

func EncodeSession(s *domain.ScreenShareSession) (*SessionWire, error) {
	publisher, err := encodeProfile("session", "publisher", s.Publisher)
	if err != nil {
		return nil, err
	}
	subscriber, err := encodeProfile("session", "subscriber", s.Subscriber)
	if err != nil {
		return nil, err
	}
	w := &SessionWire{
		ID:             string(s.ID),
		TicketID:       string(s.TicketID),
		RequestID:      string(s.RequestID),
		Publisher:      publisher,
		Subscriber:     subscriber,
		Status:         string(s.Status),
		StreamID:       s.StreamID,
		ErrorMessage:   s.ErrorMessage,
		StartedAt:      formatTime(s.StartedAt),
		LastActivityAt: formatTime(s.LastActivityAt),
	}
	if s.EndedAt != nil {
		ended := formatTime(*s.EndedAt)
		w.EndedAt = &ended
	}
	return w, nil
}

func DecodeSession(w *SessionWire) (*domain.ScreenShareSession, error) {
	if w == nil || w.ID == "" {
		return nil, &domain.MappingError{Entity: "session", Field: "id", Err: domain.ErrSessionNotFound}
	}
	publisher, err := decodeProfile("session", "publisher", w.Publisher)
	if err != nil {
		return nil, err
	}
	subscriber, err := decodeProfile("session", "subscriber", w.Subscriber)
	if err != nil {
		return nil, err
	}
	status, err := domain.ParseSessionStatus(w.Status)
	if err != nil {
		return nil, &domain.MappingError{Entity: "session", Field: "status", Err: err}
	}
	startedAt, err := parseTime("session", "startedAt", w.StartedAt)
	if err != nil {
		return nil, err
	}
	lastActivityAt, err := parseTime("session", "lastActivityAt", w.LastActivityAt)
	if err != nil {
		return nil, err
	}

	s := &domain.ScreenShareSession{
		ID:             domain.SessionID(w.ID),
		TicketID:       domain.TicketID(w.TicketID),
		RequestID:      domain.RequestID(w.RequestID),
		Publisher:      publisher,
		Subscriber:     subscriber,
		Status:         status,
		StreamID:       w.StreamID,
		ErrorMessage:   w.ErrorMessage,
		StartedAt:      startedAt,
		LastActivityAt: lastActivityAt,
	}
	if w.EndedAt != nil {
		endedAt, err := parseTime("session", "endedAt", *w.EndedAt)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &endedAt
	}
	return s, nil
}
