package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"screenshare/internal/core/ports"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	minReconnectInterval = 500 * time.Millisecond
	maxReconnectInterval = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresBus is a ports.Bus over LISTEN/NOTIFY. Publishing goes through
// pg_notify on db; one pq.Listener serves every subscription.
type PostgresBus struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	subs     map[string]map[uint64]ports.MessageHandler
	next     uint64
	hooks    map[uint64]func()
	nextHook uint64
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPostgresBus(db *sql.DB, dsn string, logger *zap.SugaredLogger) *PostgresBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &PostgresBus{
		db:     db,
		logger: logger,
		subs:   make(map[string]map[uint64]ports.MessageHandler),
		hooks:  make(map[uint64]func()),
		done:   make(chan struct{}),
	}
	b.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, b.onListenerEvent)

	b.wg.Add(1)
	go b.run()
	return b
}

func (b *PostgresBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}

func (b *PostgresBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[topic] == nil {
		if err := b.listener.Listen(topic); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("failed to listen on %s: %w", topic, err)
		}
		b.subs[topic] = make(map[uint64]ports.MessageHandler)
	}
	b.next++
	id := b.next
	b.subs[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}, nil
}

func (b *PostgresBus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[topic], id)
	if len(b.subs[topic]) > 0 || b.closed {
		return
	}
	delete(b.subs, topic)
	if err := b.listener.Unlisten(topic); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		b.logger.Warnw("failed to unlisten", "topic", topic, "error", err)
	}
}

func (b *PostgresBus) OnReconnect(fn func()) func() {
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

func (b *PostgresBus) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		b.logger.Warnw("postgres listener connection problem", "event", ev, "error", err)
	case pq.ListenerEventReconnected:
		b.logger.Infow("postgres listener reconnected")
		b.mu.Lock()
		hooks := make([]func(), 0, len(b.hooks))
		for _, fn := range b.hooks {
			hooks = append(hooks, fn)
		}
		b.mu.Unlock()
		for _, fn := range hooks {
			go fn()
		}
	}
}

func (b *PostgresBus) run() {
	defer b.wg.Done()
	ctx := context.Background()
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// pq sends nil after a reconnect.
			if n == nil {
				continue
			}
			b.dispatch(ctx, n.Channel, []byte(n.Extra))
		case <-ticker.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.logger.Debugw("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (b *PostgresBus) dispatch(ctx context.Context, topic string, payload []byte) {
	b.mu.Lock()
	handlers := make([]ports.MessageHandler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Errorw("Subscriber panicked", "topic", topic, "panic", r)
				}
			}()
			h(ctx, payload)
		}()
	}
}

func (b *PostgresBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]map[uint64]ports.MessageHandler)
	b.mu.Unlock()

	close(b.done)
	err := b.listener.Close()
	b.wg.Wait()
	return err
}
