package notify

import (
	"context"

	"screenshare/internal/core/ports"
	"screenshare/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedPublisher stops calling a broker that keeps failing, so row writes
// are not each held up by a publish timeout while it is down.
type GuardedPublisher struct {
	publisher ports.Publisher
	breaker   *circuitbreaker.CircuitBreaker
}

func NewGuardedPublisher(publisher ports.Publisher, breaker *circuitbreaker.CircuitBreaker, logger *zap.SugaredLogger) *GuardedPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Change feed publisher circuit changed", "from", from, "to", to)
	})
	return &GuardedPublisher{publisher: publisher, breaker: breaker}
}

func (p *GuardedPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.breaker.Execute(func() error {
		return p.publisher.Publish(ctx, topic, payload)
	})
}
