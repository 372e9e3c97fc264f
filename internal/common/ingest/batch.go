package ingest

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Batcher batches up values from a channel. A batch is handed to the callback whenever maxItems values have been
// received or maxTimeout has elapsed since the current batch was started, whichever happens first.
// Empty batches are never emitted. Whatever is buffered when the input channel closes is flushed.
type Batcher[T any] struct {
	input      <-chan T
	maxItems   int
	maxTimeout time.Duration
	clock      clock.Clock
	callback   func([]T)
	buffer     []T
}

func NewBatcher[T any](input <-chan T, maxItems int, maxTimeout time.Duration, callback func([]T)) *Batcher[T] {
	return &Batcher[T]{
		input:      input,
		maxItems:   maxItems,
		maxTimeout: maxTimeout,
		callback:   callback,
		clock:      clock.RealClock{},
	}
}

// WithClock replaces the clock used for batch expiry. Intended for tests.
func (b *Batcher[T]) WithClock(c clock.Clock) *Batcher[T] {
	b.clock = c
	return b
}

// Run blocks until ctx is done or the input channel is closed.
func (b *Batcher[T]) Run(ctx context.Context) {
	for {
		b.buffer = make([]T, 0, b.maxItems)
		expire := b.clock.After(b.maxTimeout)
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				return
			case value, ok := <-b.input:
				if !ok {
					if len(b.buffer) > 0 {
						b.callback(b.buffer)
					}
					return
				}
				b.buffer = append(b.buffer, value)
				if len(b.buffer) == b.maxItems {
					b.callback(b.buffer)
					appendToBatch = false
				}
			case <-expire:
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
					appendToBatch = false
				} else {
					expire = b.clock.After(b.maxTimeout)
				}
			}
		}
	}
}
