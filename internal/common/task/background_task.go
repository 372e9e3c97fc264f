package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
)

var taskLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "scale_scheduler_background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"task"})

type task struct {
	name        string
	function    func(ctx *scalecontext.Context) error
	interval    time.Duration
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions on a fixed interval until stopped.
// It is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks []*task
	clock clock.Clock
	wg    *sync.WaitGroup
}

func NewBackgroundTaskManager(clock clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks: []*task{},
		clock: clock,
		wg:    &sync.WaitGroup{},
	}
}

// Register starts running fn immediately and then every interval. Errors are logged and do not stop the loop.
func (m *BackgroundTaskManager) Register(ctx *scalecontext.Context, name string, interval time.Duration, fn func(ctx *scalecontext.Context) error) {
	t := &task{
		name:        name,
		function:    fn,
		interval:    interval,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(scalecontext.WithLogField(ctx, "task", name), t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits up to timeout for them to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	m.tasks = nil
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *scalecontext.Context, t *task) {
	latency := taskLatency.WithLabelValues(t.name)
	run := func() {
		start := m.clock.Now()
		if err := t.function(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("background task %s failed", t.name)
		}
		latency.Observe(m.clock.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
		for {
			select {
			case <-m.clock.After(t.interval):
				run()
			case <-t.stopChannel:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
