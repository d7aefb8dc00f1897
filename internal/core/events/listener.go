package events

import (
	"context"
	"fmt"
	"sync"

	"screenshare/internal/core/domain"

	"go.uber.org/zap"
)

// Listener watches one ticket and hands typed domain objects to the
// registered callbacks.
type Listener struct {
	notifier Notifier
	ticketID domain.TicketID
	logger   *zap.SugaredLogger

	requestCreated        *Dispatcher[*domain.ScreenShareRequest]
	requestUpdated        *Dispatcher[*domain.ScreenShareRequest]
	sessionCreated        *Dispatcher[*domain.ScreenShareSession]
	sessionUpdated        *Dispatcher[*domain.ScreenShareSession]
	remoteStreamAvailable *Dispatcher[*domain.ScreenShareSession]
	reloaded              *Dispatcher[domain.TicketID]

	mu   sync.Mutex
	stop func()
}

// NewListener builds a listener for ticketID. onFailure, when set, is called
// with the event name every time a callback fails.
func NewListener(notifier Notifier, ticketID domain.TicketID, logger *zap.SugaredLogger, onFailure func(event string)) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("ticket_id", ticketID)

	return &Listener{
		notifier:              notifier,
		ticketID:              ticketID,
		logger:                logger,
		requestCreated:        NewDispatcher[*domain.ScreenShareRequest](string(EventRequestCreated), logger, onFailure),
		requestUpdated:        NewDispatcher[*domain.ScreenShareRequest](string(EventRequestUpdated), logger, onFailure),
		sessionCreated:        NewDispatcher[*domain.ScreenShareSession](string(EventSessionCreated), logger, onFailure),
		sessionUpdated:        NewDispatcher[*domain.ScreenShareSession](string(EventSessionUpdated), logger, onFailure),
		remoteStreamAvailable: NewDispatcher[*domain.ScreenShareSession](string(EventRemoteStreamAvailable), logger, onFailure),
		reloaded:              NewDispatcher[domain.TicketID](string(EventReloaded), logger, onFailure),
	}
}

func (l *Listener) OnRequestCreated(fn Handler[*domain.ScreenShareRequest]) func() {
	return l.requestCreated.Register(fn)
}

func (l *Listener) OnRequestUpdated(fn Handler[*domain.ScreenShareRequest]) func() {
	return l.requestUpdated.Register(fn)
}

func (l *Listener) OnSessionCreated(fn Handler[*domain.ScreenShareSession]) func() {
	return l.sessionCreated.Register(fn)
}

func (l *Listener) OnSessionUpdated(fn Handler[*domain.ScreenShareSession]) func() {
	return l.sessionUpdated.Register(fn)
}

func (l *Listener) OnRemoteStreamAvailable(fn Handler[*domain.ScreenShareSession]) func() {
	return l.remoteStreamAvailable.Register(fn)
}

// OnReloaded fires when the transport reconnected and observers should
// re-fetch the ticket's state.
func (l *Listener) OnReloaded(fn Handler[domain.TicketID]) func() {
	return l.reloaded.Register(fn)
}

// Start begins watching the ticket. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		return nil
	}
	stop, err := l.notifier.Watch(ctx, l.ticketID, l.Handle)
	if err != nil {
		return fmt.Errorf("watch ticket %s: %w", l.ticketID, err)
	}
	l.stop = stop
	return nil
}

func (l *Listener) Close() {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Handle decodes env and dispatches it. Envelopes for other tickets and
// envelopes that fail to decode are logged and dropped.
func (l *Listener) Handle(ctx context.Context, env *Envelope) {
	if env.TicketID != "" && domain.TicketID(env.TicketID) != l.ticketID {
		return
	}

	switch env.Type {
	case EventRequestCreated, EventRequestUpdated:
		req, err := DecodeRequest(env.Request)
		if err != nil {
			l.logger.Warnw("Dropping undecodable request event", "event", env.Type, "error", err)
			return
		}
		if env.Type == EventRequestCreated {
			l.requestCreated.Dispatch(ctx, req)
		} else {
			l.requestUpdated.Dispatch(ctx, req)
		}

	case EventSessionCreated, EventSessionUpdated, EventRemoteStreamAvailable:
		s, err := DecodeSession(env.Session)
		if err != nil {
			l.logger.Warnw("Dropping undecodable session event", "event", env.Type, "error", err)
			return
		}
		switch env.Type {
		case EventSessionCreated:
			l.sessionCreated.Dispatch(ctx, s)
		case EventSessionUpdated:
			l.sessionUpdated.Dispatch(ctx, s)
		default:
			l.remoteStreamAvailable.Dispatch(ctx, s)
		}

	case EventReloaded:
		l.reloaded.Dispatch(ctx, l.ticketID)

	default:
		l.logger.Debugw("Ignoring unknown event", "event", env.Type)
	}
}
