package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler is a typed listener callback.
type Handler[T any] func(ctx context.Context, value T) error

type registration[T any] struct {
	id uint64
	fn Handler[T]
}

// Dispatcher is the typed callback registry shared by every feature area.
// Callbacks run in registration order; a failing or panicking callback is
// logged and does not stop the others.
type Dispatcher[T any] struct {
	event     string
	logger    *zap.SugaredLogger
	onFailure func(event string)

	mu       sync.RWMutex
	nextID   uint64
	handlers []registration[T]
}

func NewDispatcher[T any](event string, logger *zap.SugaredLogger, onFailure func(event string)) *Dispatcher[T] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher[T]{
		event:     event,
		logger:    logger,
		onFailure: onFailure,
	}
}

// Register adds fn and returns a func that removes it. Removing twice is a no-op.
func (d *Dispatcher[T]) Register(fn Handler[T]) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, registration[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, h := range d.handlers {
				if h.id == id {
					d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch calls every registered handler with value and returns how many failed.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, value T) int {
	d.mu.RLock()
	snapshot := make([]registration[T], len(d.handlers))
	copy(snapshot, d.handlers)
	d.mu.RUnlock()

	failures := 0
	for _, h := range snapshot {
		if err := d.invoke(ctx, h.fn, value); err != nil {
			failures++
			d.logger.Warnw("Listener callback failed",
				"event", d.event,
				"error", err,
			)
			if d.onFailure != nil {
				d.onFailure(d.event)
			}
		}
	}
	return failures
}

func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher[T]) invoke(ctx context.Context, fn Handler[T], value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, value)
}
