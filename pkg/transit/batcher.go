package transit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// stagedCapacity bounds the number of piles waiting for the worker. When the
// worker falls this far behind, staging blocks: backpressure instead of
// unbounded memory growth.
const stagedCapacity = 16

// batcher buffers messages of one type into piles and hands staged piles to
// a single worker goroutine. Two triggers stage a pile: reaching maxBatch
// (immediate) and the delay timer armed by the pile's first message.
type batcher[T any] struct {
	maxBatch int
	delay    time.Duration
	fn       func(context.Context, []T)

	mu      sync.Mutex
	pile    []T
	timer   *time.Timer
	closed  bool
	staging sync.WaitGroup

	staged chan []T
	done   chan struct{}
}

func newBatcher[T any](maxBatch int, delay time.Duration, fn func(context.Context, []T)) *batcher[T] {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	b := &batcher[T]{
		maxBatch: maxBatch,
		delay:    delay,
		fn:       fn,
		staged:   make(chan []T, stagedCapacity),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// add buffers one message. Messages arriving after stop are dropped.
func (b *batcher[T]) add(msg T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pile = append(b.pile, msg)

	if len(b.pile) >= b.maxBatch {
		pile := b.pile
		b.pile = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.staging.Add(1)
		b.mu.Unlock()
		b.staged <- pile
		b.staging.Done()
		return
	}

	if len(b.pile) == 1 && b.delay > 0 {
		b.timer = time.AfterFunc(b.delay, b.flushOnTimer)
	}
	b.mu.Unlock()

	// Degenerate config: no delay means every message is its own pile.
	if b.delay <= 0 {
		b.flushOnTimer()
	}
}

// flushOnTimer stages whatever has accumulated when the delay expires.
func (b *batcher[T]) flushOnTimer() {
	b.mu.Lock()
	if b.closed || len(b.pile) == 0 {
		b.mu.Unlock()
		return
	}
	pile := b.pile
	b.pile = nil
	b.timer = nil
	b.staging.Add(1)
	b.mu.Unlock()
	b.staged <- pile
	b.staging.Done()
}

// run handles staged piles sequentially. A handler panic is logged; the
// next pile is unaffected.
func (b *batcher[T]) run() {
	defer close(b.done)
	for pile := range b.staged {
		b.handle(pile)
	}
}

func (b *batcher[T]) handle(pile []T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Batched transit handler panicked", "pile_size", len(pile), "panic", r)
		}
	}()
	b.fn(context.Background(), pile)
}

// stop stages the in-flight pile and waits for the worker to drain, bounded
// by ctx.
func (b *batcher[T]) stop(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pile := b.pile
	b.pile = nil
	b.mu.Unlock()

	// Wait out stagers that passed the closed check before it was set, so
	// nothing can send on the channel once it is closed.
	b.staging.Wait()

	if len(pile) > 0 {
		b.staged <- pile
	}
	close(b.staged)

	select {
	case <-b.done:
	case <-ctx.Done():
		slog.Warn("Transit batcher shutdown cut short", "error", ctx.Err())
	}
}
