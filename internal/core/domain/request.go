package domain

import (
	"fmt"
	"time"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
	RequestActive    RequestStatus = "active"
	RequestEnded     RequestStatus = "ended"
)

// ActiveRequestStatuses count toward the one-active-request-per-ticket rule.
var ActiveRequestStatuses = []RequestStatus{RequestPending, RequestAccepted, RequestActive}

func (s RequestStatus) IsActive() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestActive:
		return true
	}
	return false
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestPending, RequestAccepted, RequestRejected, RequestCancelled,
		RequestExpired, RequestActive, RequestEnded:
		return st, nil
	}
	return "", fmt.Errorf("%w: request status %q", ErrUnknownStatus, s)
}

// ScreenShareRequest is one negotiation between an engineer and a customer on a ticket.
type ScreenShareRequest struct {
	ID         RequestID
	TicketID   TicketID
	Sender     *Profile
	Receiver   *Profile
	Status     RequestStatus
	AutoAccept bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// IsExpired reports whether the request's time window has closed at now.
// A request whose ExpiresAt equals now is already expired.
func (r *ScreenShareRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsActiveAt reports whether the request counts as the ticket's active request at now.
func (r *ScreenShareRequest) IsActiveAt(now time.Time) bool {
	return r.Status.IsActive() && !r.IsExpired(now)
}

// Customer returns whichever party of the request is the customer, regardless
// of who initiated it.
func (r *ScreenShareRequest) Customer() *Profile {
	if r.Sender.IsCustomer() {
		return r.Sender
	}
	if r.Receiver.IsCustomer() {
		return r.Receiver
	}
	return nil
}

// Engineer returns whichever party of the request is the engineer.
func (r *ScreenShareRequest) Engineer() *Profile {
	if r.Sender.IsEngineer() {
		return r.Sender
	}
	if r.Receiver.IsEngineer() {
		return r.Receiver
	}
	return nil
}

func (r *ScreenShareRequest) IsParticipant(id ProfileID) bool {
	return (r.Sender != nil && r.Sender.ID == id) ||
		(r.Receiver != nil && r.Receiver.ID == id)
}

// IsCall reports whether the customer initiated the request.
func (r *ScreenShareRequest) IsCall() bool {
	return r.Sender.IsCustomer()
}

func (r *ScreenShareRequest) Clone() *ScreenShareRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Sender = r.Sender.Clone()
	c.Receiver = r.Receiver.Clone()
	return &c
}
