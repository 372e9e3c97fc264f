package messaging

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

type memoryEntry struct {
	message   *Message
	visibleAt time.Time
	receipt   int64
}

type memoryHandle struct {
	id      string
	receipt int64
}

// MemoryBackend keeps messages in process. It is the loopback backend used by tests and single-process setups.
type MemoryBackend struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	visibility  time.Duration
	entries     map[string]*memoryEntry
	order       []string
	done        map[string]bool
	deadLetters []*DeadLetter
	receipts    int64
	unavailable bool
}

func NewMemoryBackend(visibility time.Duration, clock clock.PassiveClock) *MemoryBackend {
	return &MemoryBackend{
		clock:      clock,
		visibility: visibility,
		entries:    map[string]*memoryEntry{},
		done:       map[string]bool{},
	}
}

// SetUnavailable makes every operation fail with ErrUnavailable until called with false.
func (b *MemoryBackend) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = unavailable
}

func (b *MemoryBackend) Publish(_ *scalecontext.Context, messages ...*Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	b.insert(messages)
	return nil
}

func (b *MemoryBackend) insert(messages []*Message) {
	now := b.clock.Now()
	for _, msg := range messages {
		if _, ok := b.entries[msg.ID]; ok || b.done[msg.ID] {
			continue
		}
		m := msg.DeepCopy()
		if m.EnqueuedAt.IsZero() {
			m.EnqueuedAt = now
		}
		b.entries[m.ID] = &memoryEntry{message: m, visibleAt: now}
		b.order = append(b.order, m.ID)
	}
}

func (b *MemoryBackend) Receive(_ *scalecontext.Context, max int) ([]*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return nil, errors.WithStack(ErrUnavailable)
	}
	now := b.clock.Now()
	deliveries := make([]*Delivery, 0, max)
	for _, id := range b.order {
		if len(deliveries) >= max {
			break
		}
		entry := b.entries[id]
		if entry.visibleAt.After(now) {
			continue
		}
		b.receipts++
		entry.receipt = b.receipts
		entry.visibleAt = now.Add(b.visibility)
		deliveries = append(deliveries, &Delivery{
			Message: entry.message.DeepCopy(),
			handle:  memoryHandle{id: id, receipt: entry.receipt},
		})
	}
	return deliveries, nil
}

func (b *MemoryBackend) held(delivery *Delivery) (*memoryEntry, error) {
	if b.unavailable {
		return nil, errors.WithStack(ErrUnavailable)
	}
	h, ok := delivery.handle.(memoryHandle)
	if !ok {
		return nil, errors.Errorf("delivery of message %s was not made by this backend", delivery.Message.ID)
	}
	entry, ok := b.entries[h.id]
	if !ok || entry.receipt != h.receipt {
		return nil, errors.WithStack(ErrStaleDelivery)
	}
	return entry, nil
}

func (b *MemoryBackend) Ack(_ *scalecontext.Context, delivery *Delivery, fanout []*Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.held(delivery)
	if err != nil {
		return err
	}
	b.remove(entry.message.ID)
	b.insert(fanout)
	return nil
}

func (b *MemoryBackend) Nack(_ *scalecontext.Context, delivery *Delivery, retryAfter time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.held(delivery)
	if err != nil {
		return err
	}
	entry.message.Attempt++
	entry.visibleAt = b.clock.Now().Add(retryAfter)
	entry.receipt = 0
	return nil
}

func (b *MemoryBackend) DeadLetter(_ *scalecontext.Context, delivery *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.held(delivery)
	if err != nil {
		return err
	}
	b.remove(entry.message.ID)
	b.deadLetters = append(b.deadLetters, &DeadLetter{Message: entry.message, Reason: reason, DeadAt: b.clock.Now()})
	return nil
}

func (b *MemoryBackend) remove(id string) {
	delete(b.entries, id)
	b.done[id] = true
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *MemoryBackend) Close() error {
	return nil
}

// Pending returns copies of every message not yet acked or dead-lettered, in publish order.
func (b *MemoryBackend) Pending() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]*Message, 0, len(b.order))
	for _, id := range b.order {
		result = append(result, b.entries[id].message.DeepCopy())
	}
	return result
}

func (b *MemoryBackend) DeadLetters() []*DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*DeadLetter(nil), b.deadLetters...)
}
