package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/pkg/clock"

	"go.uber.org/zap"
)

// RemoteNotifier turns row-change notifications from a shared store into
// envelopes. Store writes publish nothing through it: the feed reports the
// change and the row is re-read from the repository before delivery. Events
// with no backing row travel on the ticket's event channel.
type RemoteNotifier struct {
	feed       ports.Subscriber
	publisher  ports.Publisher
	requests   ports.RequestRepository
	sessions   ports.SessionRepository
	clock      clock.Clock
	instanceID string
	metrics    ports.NegotiationMetrics
	logger     *zap.SugaredLogger
}

type RemoteNotifierDeps struct {
	Feed       ports.Subscriber
	Publisher  ports.Publisher
	Requests   ports.RequestRepository
	Sessions   ports.SessionRepository
	Clock      clock.Clock
	InstanceID string
	Metrics    ports.NegotiationMetrics
	Logger     *zap.SugaredLogger
}

func NewRemoteNotifier(deps RemoteNotifierDeps) *RemoteNotifier {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &RemoteNotifier{
		feed:       deps.Feed,
		publisher:  deps.Publisher,
		requests:   deps.Requests,
		sessions:   deps.Sessions,
		clock:      deps.Clock,
		instanceID: deps.InstanceID,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// Notify publishes envelopes that have no row change behind them. Row
// events are a no-op here because the feed reports them.
func (n *RemoteNotifier) Notify(ctx context.Context, env *events.Envelope) error {
	switch env.Type {
	case events.EventRequestCreated, events.EventRequestUpdated,
		events.EventSessionCreated, events.EventSessionUpdated:
		return nil
	}
	if env.TicketID == "" {
		return fmt.Errorf("envelope %s has no ticket id", env.Type)
	}
	if env.Origin == "" {
		env.Origin = n.instanceID
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := n.publisher.Publish(ctx, ports.EventChannel(domain.TicketID(env.TicketID)), data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Watch subscribes to the ticket's request, session and event channels. Once
// all three are live it delivers a reloaded envelope, and again after every
// reconnect of the feed, so watchers re-fetch whatever they may have missed.
func (n *RemoteNotifier) Watch(ctx context.Context, ticketID domain.TicketID, sink events.Sink) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	subscriptions := []struct {
		topic   string
		handler ports.MessageHandler
	}{
		{ports.RequestChannel(ticketID), n.requestHandler(ticketID, sink)},
		{ports.SessionChannel(ticketID), n.sessionHandler(ticketID, sink)},
		{ports.EventChannel(ticketID), n.eventHandler(ticketID, sink)},
	}
	for _, sub := range subscriptions {
		stop, err := n.feed.Subscribe(ctx, sub.topic, sub.handler)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		stops = append(stops, stop)
	}

	if rn, ok := n.feed.(ports.ReconnectNotifier); ok {
		stops = append(stops, rn.OnReconnect(func() {
			n.reload(context.Background(), ticketID, sink)
		}))
	}

	n.reload(ctx, ticketID, sink)
	return stopAll, nil
}

func (n *RemoteNotifier) reload(ctx context.Context, ticketID domain.TicketID, sink events.Sink) {
	n.deliver(ctx, sink, &events.Envelope{
		Type:      events.EventReloaded,
		TicketID:  string(ticketID),
		Timestamp: n.clock.Now().UnixMilli(),
		Origin:    n.instanceID,
	})
}

func (n *RemoteNotifier) requestHandler(ticketID domain.TicketID, sink events.Sink) ports.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		change, ok := n.decodeChange(payload, ports.TableRequests)
		if !ok {
			return
		}
		req, err := n.requests.GetByID(ctx, domain.RequestID(change.ID))
		if err != nil {
			// Deleted rows are not reported.
			if !errors.Is(err, domain.ErrRequestNotFound) {
				n.logger.Warnw("Failed to re-read request", "request_id", change.ID, "error", err)
			}
			return
		}
		wire, err := events.EncodeRequest(req)
		if err != nil {
			n.logger.Warnw("Failed to encode request", "request_id", change.ID, "error", err)
			return
		}
		t := events.EventRequestUpdated
		if change.Type == ports.RowInsert {
			t = events.EventRequestCreated
		}
		n.deliver(ctx, sink, &events.Envelope{
			Type:      t,
			Request:   wire,
			TicketID:  string(ticketID),
			Timestamp: n.clock.Now().UnixMilli(),
		})
	}
}

func (n *RemoteNotifier) sessionHandler(ticketID domain.TicketID, sink events.Sink) ports.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		change, ok := n.decodeChange(payload, ports.TableSessions)
		if !ok {
			return
		}
		s, err := n.sessions.GetByID(ctx, domain.SessionID(change.ID))
		if err != nil {
			n.logger.Warnw("Failed to re-read session", "session_id", change.ID, "error", err)
			return
		}
		wire, err := events.EncodeSession(s)
		if err != nil {
			n.logger.Warnw("Failed to encode session", "session_id", change.ID, "error", err)
			return
		}
		t := events.EventSessionUpdated
		if change.Type == ports.RowInsert {
			t = events.EventSessionCreated
		}
		n.deliver(ctx, sink, &events.Envelope{
			Type:      t,
			Session:   wire,
			TicketID:  string(ticketID),
			Timestamp: n.clock.Now().UnixMilli(),
		})
	}
}

func (n *RemoteNotifier) eventHandler(ticketID domain.TicketID, sink events.Sink) ports.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		env, err := events.UnmarshalEnvelope(payload)
		if err != nil {
			n.logger.Warnw("Dropping malformed envelope", "ticket_id", ticketID, "error", err)
			return
		}
		n.deliver(ctx, sink, env)
	}
}

func (n *RemoteNotifier) decodeChange(payload []byte, table string) (ports.RowChange, bool) {
	var change ports.RowChange
	if err := json.Unmarshal(payload, &change); err != nil {
		n.logger.Warnw("Dropping malformed row change", "table", table, "error", err)
		return change, false
	}
	if change.ID == "" || (change.Table != "" && change.Table != table) {
		n.logger.Warnw("Dropping unexpected row change", "table", change.Table, "id", change.ID)
		return change, false
	}
	return change, true
}

func (n *RemoteNotifier) deliver(ctx context.Context, sink events.Sink, env *events.Envelope) {
	n.metrics.ObserveNotification(StrategyRemote, string(env.Type))
	sink(ctx, env)
}
