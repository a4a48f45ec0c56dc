// Package transit is the in-process typed message dispatch used to route
// domain messages (sequence lifecycle, counters) to their handlers, with
// optional time+size batching in front of slow sinks.
package transit

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Bus maps message types to ordered handler lists. Registration happens at
// boot; Dispatch may be called from any goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]func(context.Context, any)
	batchers []stopper
	closed   bool
}

// stopper is the non-generic face of a batcher, held for shutdown.
type stopper interface {
	stop(ctx context.Context)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]func(context.Context, any))}
}

// Register binds fn to messages of type T. The handler is invoked inline by
// Dispatch; a panic is logged and does not affect other handlers.
func Register[T any](b *Bus, fn func(context.Context, T)) {
	msgType := reflect.TypeOf((*T)(nil)).Elem()
	b.add(msgType, func(ctx context.Context, msg any) {
		fn(ctx, msg.(T))
	})
}

// RegisterBatched binds fn to piles of messages of type T. Messages buffer
// into a pile that is staged for handling when maxBatch messages have
// accumulated (immediately) or when delay elapses after the first buffered
// message. Staged piles are handled sequentially by a worker goroutine; a
// handler failure is logged and does not poison subsequent piles.
func RegisterBatched[T any](b *Bus, maxBatch int, delay time.Duration, fn func(context.Context, []T)) {
	w := newBatcher[T](maxBatch, delay, fn)

	b.mu.Lock()
	b.batchers = append(b.batchers, w)
	b.mu.Unlock()

	msgType := reflect.TypeOf((*T)(nil)).Elem()
	b.add(msgType, func(_ context.Context, msg any) {
		w.add(msg.(T))
	})
}

// Dispatch delivers msg to every handler registered for its type. Unknown
// message types are ignored with a debug log.
func (b *Bus) Dispatch(ctx context.Context, msg any) {
	msgType := reflect.TypeOf(msg)

	b.mu.RLock()
	handlers := b.handlers[msgType]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("No transit handlers for message type", "type", msgType.String())
		return
	}
	for _, h := range handlers {
		call(ctx, h, msg, msgType)
	}
}

// Shutdown stages any partial piles and waits for the batch workers to
// drain. The bus accepts no dispatches afterwards.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	workers := b.batchers
	b.handlers = make(map[reflect.Type][]func(context.Context, any))
	b.mu.Unlock()

	for _, w := range workers {
		w.stop(ctx)
	}
}

func (b *Bus) add(msgType reflect.Type, h func(context.Context, any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// call invokes a handler with panic containment: one broken handler must not
// take down the dispatcher or its siblings.
func call(ctx context.Context, h func(context.Context, any), msg any, msgType reflect.Type) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Transit handler panicked", "type", msgType.String(), "panic", r)
		}
	}()
	h(ctx, msg)
}
