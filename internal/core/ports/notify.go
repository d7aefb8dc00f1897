package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"screenshare/internal/core/domain"
)

var ErrSignalNotFound = errors.New("signal not found")

// MessageHandler consumes one message published on a topic.
type MessageHandler func(ctx context.Context, payload []byte)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Subscriber interface {
	// Subscribe registers handler on topic. The returned func unsubscribes.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (func(), error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// ReconnectNotifier is implemented by buses whose connection can drop and
// come back. Messages published while disconnected are lost.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (remove func())
}

// Row change notifications published per ticket when persisted rows change.
const (
	RowInsert = "INSERT"
	RowUpdate = "UPDATE"

	TableRequests = "screenshare_requests"
	TableSessions = "screenshare_sessions"
)

type RowChange struct {
	Type     string `json:"type"`
	Table    string `json:"table"`
	ID       string `json:"id"`
	TicketID string `json:"ticket_id"`
}

func RequestChannel(ticketID domain.TicketID) string {
	return fmt.Sprintf("screenshare-requests-%s", ticketID)
}

func SessionChannel(ticketID domain.TicketID) string {
	return fmt.Sprintf("screenshare-sessions-%s", ticketID)
}

// EventChannel carries envelopes that have no backing row change.
func EventChannel(ticketID domain.TicketID) string {
	return fmt.Sprintf("screenshare-events-%s", ticketID)
}

// LocalTopic is the in-process topic for a ticket.
func LocalTopic(ticketID domain.TicketID) string {
	return fmt.Sprintf("screenshare:%s", ticketID)
}

// NegotiationMetrics observes negotiation activity.
type NegotiationMetrics interface {
	ObserveRequest(status domain.RequestStatus)
	ObserveSession(status domain.SessionStatus)
	ObserveOperation(operation, outcome string, duration time.Duration)
	ObserveMediaFailure(stage string)
	ObserveNotification(strategy, eventType string)
	ObserveListenerFailure(eventType string)
}

type NopMetrics struct{}

func (NopMetrics) ObserveRequest(domain.RequestStatus) {}
func (NopMetrics) ObserveSession(domain.SessionStatus) {}
func (NopMetrics) ObserveOperation(string, string, time.Duration) {}
func (NopMetrics) ObserveMediaFailure(string) {}
func (NopMetrics) ObserveNotification(string, string) {}
func (NopMetrics) ObserveListenerFailure(string) {}
