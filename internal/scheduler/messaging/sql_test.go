package messaging

import (
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/scheduler/database"
)

func withSqlBackend(t *testing.T, action func(backend *SqlBackend, clock *clocktesting.FakeClock)) {
	clock := clocktesting.NewFakeClock(time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC))
	database.WithTestDb(t, clock, func(_ *database.Repository, db *goqu.Database) {
		action(NewSqlBackend(db, 30*time.Second, clock), clock)
	})
}

func TestSqlBackend_PublishReceiveAck(t *testing.T) {
	withSqlBackend(t, func(backend *SqlBackend, clock *clocktesting.FakeClock) {
		ctx := scalecontext.Background()
		first := MustNewMessage("cancel", map[string][]int{"job_ids": {1}})
		clock.Step(time.Millisecond)
		second := MustNewMessage("cancel", map[string][]int{"job_ids": {2}})
		second.EnqueuedAt = clock.Now()
		first.EnqueuedAt = clock.Now().Add(-time.Millisecond)
		require.NoError(t, backend.Publish(ctx, first, second))
		// Same id again is ignored
		require.NoError(t, backend.Publish(ctx, first))

		deliveries, err := backend.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, deliveries, 2)
		assert.Equal(t, first.ID, deliveries[0].Message.ID)
		assert.JSONEq(t, string(first.Body), string(deliveries[0].Message.Body))

		// Held messages are invisible
		again, err := backend.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		child := MustNewMessage("cleanup_job_exe", map[string]string{"exe_id": "e1"})
		require.NoError(t, backend.Ack(ctx, deliveries[0], []*Message{child}))
		assert.ErrorIs(t, backend.Ack(ctx, deliveries[0], nil), ErrStaleDelivery)

		// After the visibility timeout the unacked message is delivered again
		clock.Step(31 * time.Second)
		deliveries, err = backend.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, deliveries, 2)
		ids := []string{deliveries[0].Message.ID, deliveries[1].Message.ID}
		assert.ElementsMatch(t, []string{second.ID, child.ID}, ids)
	})
}

func TestSqlBackend_NackAndDeadLetter(t *testing.T) {
	withSqlBackend(t, func(backend *SqlBackend, clock *clocktesting.FakeClock) {
		ctx := scalecontext.Background()
		msg := MustNewMessage("set_priority", map[string]int{"job_id": 1, "priority": 10})
		require.NoError(t, backend.Publish(ctx, msg))

		deliveries, err := backend.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.NoError(t, backend.Nack(ctx, deliveries[0], 5*time.Second))

		deliveries, err = backend.Receive(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, deliveries)

		clock.Step(5 * time.Second)
		deliveries, err = backend.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, 1, deliveries[0].Message.Attempt)

		require.NoError(t, backend.DeadLetter(ctx, deliveries[0], "invalid priority"))
		dead, err := backend.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, msg.ID, dead[0].Message.ID)
		assert.Equal(t, "invalid priority", dead[0].Reason)

		clock.Step(time.Hour)
		deliveries, err = backend.Receive(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, deliveries)
	})
}

func TestSqlBackend_WithBus(t *testing.T) {
	withSqlBackend(t, func(backend *SqlBackend, clock *clocktesting.FakeClock) {
		ctx := scalecontext.Background()
		bus := NewBus(backend, NewMemoryDedupStore(time.Hour), testConfig, clock)
		var seen []string
		bus.Register("queue_jobs", func(ctx *scalecontext.Context, msg *Message) Result {
			seen = append(seen, msg.Type)
			return Ok(MustNewMessage("noop", map[string]int{}))
		})
		bus.Register("noop", func(ctx *scalecontext.Context, msg *Message) Result {
			seen = append(seen, msg.Type)
			return Ok()
		})
		require.NoError(t, bus.Publish(ctx, MustNewMessage("queue_jobs", map[string][]int{"job_ids": {1}})))
		require.NoError(t, bus.Drain(ctx, 10))
		assert.Equal(t, []string{"queue_jobs", "noop"}, seen)
	})
}
