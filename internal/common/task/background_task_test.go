package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
)

func TestBackgroundTaskManager_RunsRepeatedly(t *testing.T) {
	ctx := scalecontext.New(scalecontext.Background(), logging.NullEntry())
	m := NewBackgroundTaskManager(clock.RealClock{})

	var calls int32
	m.Register(ctx, "counter", 5*time.Millisecond, func(_ *scalecontext.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	var failures int32
	m.Register(ctx, "failing", 5*time.Millisecond, func(_ *scalecontext.Context) error {
		atomic.AddInt32(&failures, 1)
		return errors.New("always fails")
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3 && atomic.LoadInt32(&failures) >= 3
	}, 5*time.Second, time.Millisecond)

	timedOut := m.StopAll(5 * time.Second)
	assert.False(t, timedOut)

	stoppedAt := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&calls))
}

func TestBackgroundTaskManager_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := scalecontext.WithCancel(scalecontext.New(scalecontext.Background(), logging.NullEntry()))
	m := NewBackgroundTaskManager(clock.RealClock{})
	m.Register(ctx, "noop", time.Hour, func(_ *scalecontext.Context) error { return nil })
	cancel()
	assert.False(t, m.StopAll(5*time.Second))
}
