package events

import (
	"context"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/pkg/clock"
)

// Emitter turns store mutations into envelopes on a Notifier.
type Emitter struct {
	notifier Notifier
	clock    clock.Clock
	origin   string
}

func NewEmitter(notifier Notifier, clk clock.Clock, origin string) *Emitter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Emitter{
		notifier: notifier,
		clock:    clk,
		origin:   origin,
	}
}

func (e *Emitter) RequestCreated(ctx context.Context, r *domain.ScreenShareRequest) error {
	return e.emitRequest(ctx, EventRequestCreated, r)
}

func (e *Emitter) RequestUpdated(ctx context.Context, r *domain.ScreenShareRequest) error {
	return e.emitRequest(ctx, EventRequestUpdated, r)
}

func (e *Emitter) SessionCreated(ctx context.Context, s *domain.ScreenShareSession) error {
	return e.emitSession(ctx, EventSessionCreated, s)
}

func (e *Emitter) SessionUpdated(ctx context.Context, s *domain.ScreenShareSession) error {
	return e.emitSession(ctx, EventSessionUpdated, s)
}

// RemoteStreamAvailable tells watchers that the remote side of s is playing.
func (e *Emitter) RemoteStreamAvailable(ctx context.Context, s *domain.ScreenShareSession) error {
	return e.emitSession(ctx, EventRemoteStreamAvailable, s)
}

// Reloaded asks watchers of ticketID to re-fetch everything.
func (e *Emitter) Reloaded(ctx context.Context, ticketID domain.TicketID) error {
	return e.notifier.Notify(ctx, e.envelope(EventReloaded, ticketID))
}

func (e *Emitter) emitRequest(ctx context.Context, t EventType, r *domain.ScreenShareRequest) error {
	w, err := EncodeRequest(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	env := e.envelope(t, r.TicketID)
	env.Request = w
	return e.notifier.Notify(ctx, env)
}

func (e *Emitter) emitSession(ctx context.Context, t EventType, s *domain.ScreenShareSession) error {
	w, err := EncodeSession(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	env := e.envelope(t, s.TicketID)
	env.Session = w
	return e.notifier.Notify(ctx, env)
}

func (e *Emitter) envelope(t EventType, ticketID domain.TicketID) *Envelope {
	return &Envelope{
		Type:      t,
		TicketID:  string(ticketID),
		Timestamp: e.clock.Now().UnixMilli(),
		Origin:    e.origin,
	}
}
