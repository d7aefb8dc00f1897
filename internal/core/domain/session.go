package domain

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionError        SessionStatus = "error"
	SessionDisconnected SessionStatus = "disconnected"
	SessionEnded        SessionStatus = "ended"
)

// ActiveSessionStatuses count toward the one-active-session-per-ticket rule.
var ActiveSessionStatuses = []SessionStatus{SessionInitializing, SessionActive}

func (s SessionStatus) IsActive() bool {
	return s == SessionInitializing || s == SessionActive
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case SessionInitializing, SessionActive, SessionError, SessionDisconnected, SessionEnded:
		return st, nil
	}
	return "", fmt.Errorf("%w: session status %q", ErrUnknownStatus, s)
}

// ScreenShareSession is the media session established from an accepted request.
// Publisher is always the customer, Subscriber always the engineer.
type ScreenShareSession struct {
	ID             SessionID
	TicketID       TicketID
	RequestID      RequestID
	Publisher      *Profile
	Subscriber     *Profile
	Status         SessionStatus
	StreamID       string
	ErrorMessage   string
	StartedAt      time.Time
	EndedAt        *time.Time
	LastActivityAt time.Time
}

// IsTerminal reports whether the session may no longer be mutated.
func (s *ScreenShareSession) IsTerminal() bool {
	switch s.Status {
	case SessionEnded:
		return true
	case SessionError:
		return s.EndedAt != nil
	}
	return false
}

// IsParticipant reports whether id is the publisher or the subscriber.
func (s *ScreenShareSession) IsParticipant(id ProfileID) bool {
	return (s.Publisher != nil && s.Publisher.ID == id) ||
		(s.Subscriber != nil && s.Subscriber.ID == id)
}

// SessionUpdate lists the fields a session update may change; nil means unchanged.
type SessionUpdate struct {
	Status       *SessionStatus
	StreamID     *string
	ErrorMessage *string
	EndedAt      *time.Time
}

// Apply merges u into the session and bumps LastActivityAt. Ending a session
// without an explicit EndedAt stamps it with now.
func (s *ScreenShareSession) Apply(u SessionUpdate, now time.Time) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.StreamID != nil {
		s.StreamID = *u.StreamID
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		s.EndedAt = &t
	}
	if s.Status == SessionEnded && s.EndedAt == nil {
		t := now
		s.EndedAt = &t
	}
	s.LastActivityAt = now
}

func (s *ScreenShareSession) Clone() *ScreenShareSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Publisher = s.Publisher.Clone()
	c.Subscriber = s.Subscriber.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
