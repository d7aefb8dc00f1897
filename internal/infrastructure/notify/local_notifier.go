package notify

import (
	"context"
	"errors"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"

	"go.uber.org/zap"
)

const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
)

// LocalNotifier delivers envelopes in-process on topic screenshare:<ticketId>.
// With a mirror bus it also republishes every envelope there, so other
// processes watching the same ticket see it. Mirrored copies of this
// instance's own envelopes are dropped on receipt.
type LocalNotifier struct {
	bus        ports.Bus
	mirror     ports.Bus
	instanceID string
	metrics    ports.NegotiationMetrics
	logger     *zap.SugaredLogger
}

func NewLocalNotifier(
	bus ports.Bus,
	mirror ports.Bus,
	instanceID string,
	metrics ports.NegotiationMetrics,
	logger *zap.SugaredLogger,
) *LocalNotifier {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalNotifier{
		bus:        bus,
		mirror:     mirror,
		instanceID: instanceID,
		metrics:    metrics,
		logger:     logger,
	}
}

func (n *LocalNotifier) Notify(ctx context.Context, env *events.Envelope) error {
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

	topic := ports.LocalTopic(domain.TicketID(env.TicketID))
	if err := n.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	n.metrics.ObserveNotification(StrategyLocal, string(env.Type))

	if n.mirror != nil {
		if err := n.mirror.Publish(ctx, topic, data); err != nil {
			n.logger.Warnw("Failed to mirror envelope",
				"event", env.Type,
				"ticket_id", env.TicketID,
				"error", err,
			)
		}
	}
	return nil
}

func (n *LocalNotifier) Watch(ctx context.Context, ticketID domain.TicketID, sink events.Sink) (func(), error) {
	topic := ports.LocalTopic(ticketID)

	stopLocal, err := n.bus.Subscribe(ctx, topic, n.handler(sink, false))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if n.mirror == nil {
		return stopLocal, nil
	}

	stopMirror, err := n.mirror.Subscribe(ctx, topic, n.handler(sink, true))
	if err != nil {
		stopLocal()
		return nil, fmt.Errorf("subscribe mirror %s: %w", topic, err)
	}
	return func() {
		stopLocal()
		stopMirror()
	}, nil
}

func (n *LocalNotifier) handler(sink events.Sink, mirrored bool) ports.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		env, err := events.UnmarshalEnvelope(payload)
		if err != nil {
			n.logger.Warnw("Dropping malformed envelope", "error", err)
			return
		}
		if mirrored && env.Origin == n.instanceID {
			return
		}
		sink(ctx, env)
	}
}

// Close releases both buses.
func (n *LocalNotifier) Close() error {
	var errs []error
	if err := n.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.mirror != nil {
		if err := n.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
