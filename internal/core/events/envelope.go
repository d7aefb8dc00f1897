// Package events carries store mutations to every observer of a ticket.
//
// Stores publish through an Emitter; observers register typed callbacks on a
// Listener. Both sides talk to a Notifier, which is the transport strategy
// (in-process or remote). Envelopes are hints: a receiver that needs to
// enforce an invariant re-reads the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"screenshare/internal/core/domain"
)

type EventType string

const (
	EventRequestCreated        EventType = "requestCreated"
	EventRequestUpdated        EventType = "requestUpdated"
	EventSessionCreated        EventType = "sessionCreated"
	EventSessionUpdated        EventType = "sessionUpdated"
	EventReloaded              EventType = "reloaded"
	EventRemoteStreamAvailable EventType = "remoteStreamAvailable"
)

func (t EventType) Valid() bool {
	switch t {
	case EventRequestCreated, EventRequestUpdated, EventSessionCreated,
		EventSessionUpdated, EventReloaded, EventRemoteStreamAvailable:
		return true
	}
	return false
}

// Envelope is the payload every transport carries. Timestamp is Unix milliseconds.
type Envelope struct {
	Type      EventType    `json:"type"`
	Request   *RequestWire `json:"request,omitempty"`
	Session   *SessionWire `json:"session,omitempty"`
	TicketID  string       `json:"ticketId,omitempty"`
	Timestamp int64        `json:"timestamp"`
	// Origin is the id of the process that emitted the envelope.
	Origin string `json:"origin,omitempty"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope and rejects unknown event types.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("decode envelope: unknown event type %q", env.Type)
	}
	return &env, nil
}

// Sink receives envelopes delivered for a watched ticket.
type Sink func(ctx context.Context, env *Envelope)

// Notifier is a change-notification strategy.
type Notifier interface {
	// Notify fans env out to every watcher of env.TicketID.
	Notify(ctx context.Context, env *Envelope) error
	// Watch delivers envelopes of ticketID to sink until the returned func is called.
	Watch(ctx context.Context, ticketID domain.TicketID, sink Sink) (func(), error)
}
