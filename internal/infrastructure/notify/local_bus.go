// Package notify holds the change-notification transports and the two
// notifier strategies built on them.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"

	"screenshare/internal/core/ports"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("bus closed")

// LocalBus is an in-process bus. Publish delivers synchronously, in
// subscription order, before it returns.
type LocalBus struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[string]map[uint64]ports.MessageHandler
	next   uint64
	closed bool
}

func NewLocalBus(logger *zap.SugaredLogger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalBus{
		logger: logger,
		subs:   make(map[string]map[uint64]ports.MessageHandler),
	}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	ids := make([]uint64, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]ports.MessageHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, topic, h, payload)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]ports.MessageHandler)
	}
	b.subs[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]ports.MessageHandler)
	return nil
}

// deliver isolates subscribers from each other's panics.
func (b *LocalBus) deliver(ctx context.Context, topic string, h ports.MessageHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	h(ctx, payload)
}
