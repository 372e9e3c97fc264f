package messaging

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/util"
)

var testConfig = BusConfig{
	Workers:      2,
	ReceiveBatch: 10,
	MaxAttempts:  3,
	Backoff: util.Backoff{
		Base:   time.Second,
		Max:    5 * time.Minute,
		Jitter: 0.2,
		Rand:   func() float64 { return 0.5 },
	},
	PollInterval:   10 * time.Millisecond,
	OutboxInterval: 10 * time.Millisecond,
}

func newTestBus(c clock.Clock) (*Bus, *MemoryBackend) {
	backend := NewMemoryBackend(30*time.Second, c)
	return NewBus(backend, NewMemoryDedupStore(time.Hour), testConfig, c), backend
}

func types(messages []*Message) []string {
	result := make([]string, len(messages))
	for i, m := range messages {
		result[i] = m.Type
	}
	return result
}

func TestBus_OkPublishesFanout(t *testing.T) {
	ctx := scalecontext.Background()
	bus, backend := newTestBus(clocktesting.NewFakeClock(time.Now()))
	bus.Register("parent", func(ctx *scalecontext.Context, msg *Message) Result {
		return Ok(MustNewMessage("child", map[string]int{"n": 1}), MustNewMessage("child", map[string]int{"n": 2}))
	})
	parent := MustNewMessage("parent", map[string]int{})
	require.NoError(t, bus.Publish(ctx, parent))

	n, err := bus.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := backend.Pending()
	assert.Equal(t, []string{"child", "child"}, types(pending))
	assert.Equal(t, parent.ID+".0", pending[0].ID)
	assert.Equal(t, parent.ID+".1", pending[1].ID)
	assert.Empty(t, backend.DeadLetters())
}

func TestBus_RetryBacksOffThenDeadLetters(t *testing.T) {
	ctx := scalecontext.Background()
	c := clocktesting.NewFakeClock(time.Now())
	bus, backend := newTestBus(c)
	calls := 0
	bus.Register("flaky", func(ctx *scalecontext.Context, msg *Message) Result {
		calls++
		assert.Equal(t, calls-1, msg.Attempt)
		return Retry(errors.New("downstream unavailable"))
	})
	require.NoError(t, bus.Publish(ctx, MustNewMessage("flaky", map[string]int{})))

	_, err := bus.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Not visible until the first backoff of one second has passed
	n, _ := bus.ProcessBatch(ctx)
	assert.Equal(t, 0, n)
	c.Step(999 * time.Millisecond)
	n, _ = bus.ProcessBatch(ctx)
	assert.Equal(t, 0, n)
	c.Step(time.Millisecond)
	n, _ = bus.ProcessBatch(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)

	// Second backoff is two seconds. The third attempt reaches MaxAttempts and is dead-lettered.
	c.Step(2 * time.Second)
	n, _ = bus.ProcessBatch(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
	require.Len(t, backend.DeadLetters(), 1)
	assert.Empty(t, backend.Pending())
}

func TestBus_RetryAfterUsesHandlerDelay(t *testing.T) {
	ctx := scalecontext.Background()
	c := clocktesting.NewFakeClock(time.Now())
	bus, _ := newTestBus(c)
	calls := 0
	bus.Register("later", func(ctx *scalecontext.Context, msg *Message) Result {
		calls++
		if calls == 1 {
			return RetryAfter(time.Minute, errors.New("not yet"))
		}
		return Ok()
	})
	require.NoError(t, bus.Publish(ctx, MustNewMessage("later", map[string]int{})))
	_, _ = bus.ProcessBatch(ctx)
	c.Step(30 * time.Second)
	n, _ := bus.ProcessBatch(ctx)
	assert.Equal(t, 0, n)
	c.Step(30 * time.Second)
	n, _ = bus.ProcessBatch(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestBus_DeadLetters(t *testing.T) {
	tests := map[string]Handler{
		"fail": func(ctx *scalecontext.Context, msg *Message) Result {
			return Fail(errors.New("invalid body"))
		},
		"no handler": nil,
	}
	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := scalecontext.Background()
			bus, backend := newTestBus(clocktesting.NewFakeClock(time.Now()))
			if handler != nil {
				bus.Register("typed", handler)
			}
			require.NoError(t, bus.Publish(ctx, MustNewMessage("typed", map[string]int{})))
			_, err := bus.ProcessBatch(ctx)
			require.NoError(t, err)
			require.Len(t, backend.DeadLetters(), 1)
			assert.Empty(t, backend.Pending())
		})
	}
}

func TestBus_PanicIsRetried(t *testing.T) {
	ctx := scalecontext.Background()
	bus, backend := newTestBus(clocktesting.NewFakeClock(time.Now()))
	bus.Register("boom", func(ctx *scalecontext.Context, msg *Message) Result {
		panic("boom")
	})
	require.NoError(t, bus.Publish(ctx, MustNewMessage("boom", map[string]int{})))
	_, err := bus.ProcessBatch(ctx)
	require.NoError(t, err)
	pending := backend.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)
}

func TestBus_DuplicateIsAckedWithoutHandling(t *testing.T) {
	ctx := scalecontext.Background()
	backend := NewMemoryBackend(30*time.Second, clocktesting.NewFakeClock(time.Now()))
	dedup := NewMemoryDedupStore(time.Hour)
	bus := NewBus(backend, dedup, testConfig, clocktesting.NewFakeClock(time.Now()))
	calls := 0
	bus.Register("once", func(ctx *scalecontext.Context, msg *Message) Result {
		calls++
		return Ok()
	})
	msg := MustNewMessage("once", map[string]int{"job": 1})
	require.NoError(t, dedup.Mark(ctx, msg.DedupKey()))
	require.NoError(t, bus.Publish(ctx, msg))
	_, err := bus.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Empty(t, backend.Pending())
}

func TestBus_OutageBuffersPublishes(t *testing.T) {
	ctx := scalecontext.Background()
	bus, backend := newTestBus(clocktesting.NewFakeClock(time.Now()))
	backend.SetUnavailable(true)

	first := MustNewMessage("a", map[string]int{"n": 1})
	second := MustNewMessage("a", map[string]int{"n": 2})
	require.NoError(t, bus.Publish(ctx, first))
	require.NoError(t, bus.Publish(ctx, second))
	assert.Equal(t, 2, bus.OutboxLen())
	assert.Error(t, bus.Check())
	assert.Error(t, bus.FlushOutbox(ctx))

	backend.SetUnavailable(false)
	// While the outbox is not empty new publishes queue behind it to keep order
	third := MustNewMessage("a", map[string]int{"n": 3})
	require.NoError(t, bus.Publish(ctx, third))
	assert.Equal(t, 3, bus.OutboxLen())

	require.NoError(t, bus.FlushOutbox(ctx))
	assert.Equal(t, 0, bus.OutboxLen())
	assert.NoError(t, bus.Check())

	// Republishing stored ids does not duplicate them
	require.NoError(t, bus.Publish(ctx, first, second))
	pending := backend.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestBus_Run(t *testing.T) {
	ctx, cancel := scalecontext.WithCancel(scalecontext.Background())
	defer cancel()
	bus, backend := newTestBus(clock.RealClock{})

	var handled atomic.Int32
	bus.Register("work", func(ctx *scalecontext.Context, msg *Message) Result {
		handled.Add(1)
		return Ok()
	})
	for i := 0; i < 25; i++ {
		require.NoError(t, bus.Publish(ctx, MustNewMessage("work", map[string]int{"n": i})))
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, bus.Run(ctx))
	}()
	assert.Eventually(t, func() bool { return handled.Load() == 25 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Empty(t, backend.Pending())
}
