package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"screenshare/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// receiveBackoff is the pause after a failed receive before trying again.
const receiveBackoff = 200 * time.Millisecond

// RedisBus is a ports.Bus over redis Pub/Sub. Each subscription owns a
// PubSub connection. go-redis re-subscribes after a dropped connection; the
// resulting subscribe confirmation is reported to OnReconnect hooks.
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu       sync.Mutex
	pubsubs  map[*redis.PubSub]struct{}
	hooks    map[uint64]func()
	nextHook uint64
	closed   bool
}

func NewRedisBus(client *redis.Client, logger *zap.SugaredLogger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisBus{
		client:  client,
		logger:  logger,
		pubsubs: make(map[*redis.PubSub]struct{}),
		hooks:   make(map[uint64]func()),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	b.logger.Debugw("published message", "topic", topic, "bytes", len(payload))
	return nil
}

// Subscribe returns once redis confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusClosed
	}
	b.pubsubs[ps] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	go b.receive(ps, topic, handler, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.pubsubs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (b *RedisBus) receive(ps *redis.PubSub, topic string, handler ports.MessageHandler, done <-chan struct{}) {
	ctx := context.Background()
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			select {
			case <-done:
				return
			case <-time.After(receiveBackoff):
			}
			b.logger.Warnw("redis subscription receive failed", "topic", topic, "error", err)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			b.dispatch(ctx, topic, handler, []byte(m.Payload))
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.logger.Infow("redis subscription re-established", "topic", topic)
				b.fireReconnect()
			}
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, topic string, handler ports.MessageHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	handler(ctx, payload)
}

// OnReconnect registers fn to run every time a subscription is re-established.
func (b *RedisBus) OnReconnect(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHook++
	id := b.nextHook
	b.hooks[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.hooks, id)
	}
}

func (b *RedisBus) fireReconnect() {
	b.mu.Lock()
	hooks := make([]func(), 0, len(b.hooks))
	for _, fn := range b.hooks {
		hooks = append(hooks, fn)
	}
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Close drops every subscription. The redis client stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	pubsubs := b.pubsubs
	b.pubsubs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	var errs []error
	for ps := range pubsubs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
