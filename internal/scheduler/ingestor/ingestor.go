// Package ingestor persists task status updates from the cluster and feeds them to the components that own the
// tasks.
package ingestor

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/ingest"
	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Store persists task updates. Updates already stored must be ignored.
type Store interface {
	InsertTaskUpdates(ctx *scalecontext.Context, updates []*schedulerobjects.TaskUpdate) error
}

// UpdateHandler applies a persisted update to in-memory task state.
type UpdateHandler interface {
	HandleUpdate(ctx *scalecontext.Context, update *schedulerobjects.TaskUpdate)
}

type Config struct {
	FlushInterval time.Duration
	MaxBatch      int
	SlowFlush     time.Duration
	// DedupWindow is the number of recent updates remembered for deduplication.
	DedupWindow   int
	WriteAttempts uint
	WriteDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Second,
		MaxBatch:      1000,
		SlowFlush:     500 * time.Millisecond,
		DedupWindow:   100000,
		WriteAttempts: 3,
		WriteDelay:    100 * time.Millisecond,
	}
}

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_task_updates_total",
		Help: "Number of task updates received, by state",
	}, []string{"state"})
	duplicateUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_task_updates_duplicate_total",
		Help: "Number of task updates dropped as duplicates",
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scale_scheduler_task_update_flush_duration_seconds",
		Help:    "Time taken to persist a batch of task updates",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
)

// Ingestor batches updates from the cluster, stores them, and only then hands them to their owners and
// acknowledges them.
type Ingestor struct {
	config     Config
	store      Store
	executions UpdateHandler
	cleanup    UpdateHandler
	registry   *registry.Registry
	adapter    cluster.Adapter
	clock      clock.Clock
	seen       *lru.Cache
}

func New(
	config Config,
	store Store,
	executions UpdateHandler,
	cleanup UpdateHandler,
	registry *registry.Registry,
	adapter cluster.Adapter,
	clock clock.Clock,
) (*Ingestor, error) {
	seen, err := lru.New(config.DedupWindow)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Ingestor{
		config:     config,
		store:      store,
		executions: executions,
		cleanup:    cleanup,
		registry:   registry,
		adapter:    adapter,
		clock:      clock,
		seen:       seen,
	}, nil
}

// Run ingests updates until ctx is cancelled or an update batch cannot be stored. The latter is a system error.
func (i *Ingestor) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "Ingestor")
	ctx, cancel := scalecontext.WithCancel(ctx)
	defer cancel()

	var runErr error
	ingest.NewBatcher[*schedulerobjects.TaskUpdate](
		i.adapter.Updates(),
		i.config.MaxBatch,
		i.config.FlushInterval,
		func(batch []*schedulerobjects.TaskUpdate) {
			if err := i.Process(ctx, batch); err != nil {
				runErr = err
				cancel()
			}
		},
	).WithClock(i.clock).Run(ctx)
	return runErr
}

func dedupKey(u *schedulerobjects.TaskUpdate) string {
	return fmt.Sprintf("%s|%d|%s", u.TaskID, u.Timestamp.UnixNano(), u.State)
}

// Process stores one batch, routes the new updates and acknowledges the whole batch.
func (i *Ingestor) Process(ctx *scalecontext.Context, batch []*schedulerobjects.TaskUpdate) error {
	start := i.clock.Now()
	inBatch := map[string]bool{}
	var fresh []*schedulerobjects.TaskUpdate
	for _, u := range batch {
		key := dedupKey(u)
		if inBatch[key] || i.seen.Contains(key) {
			duplicateUpdatesTotal.Inc()
			continue
		}
		inBatch[key] = true
		fresh = append(fresh, u)
	}

	if len(fresh) > 0 {
		err := retry.Do(
			func() error { return i.store.InsertTaskUpdates(ctx, fresh) },
			retry.Attempts(i.config.WriteAttempts),
			retry.Delay(i.config.WriteDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			return scaleerrors.System(scaleerrors.NameDatabase, errors.WithMessagef(err, "storing %d task updates", len(fresh)))
		}
		for key := range inBatch {
			i.seen.Add(key, struct{}{})
		}
		elapsed := i.clock.Since(start)
		flushDuration.Observe(elapsed.Seconds())
		if i.config.SlowFlush > 0 && elapsed > i.config.SlowFlush {
			ctx.Log.Warnf("storing %d task updates took %s", len(fresh), elapsed)
		}
	}

	for _, u := range fresh {
		updatesTotal.WithLabelValues(string(u.State)).Inc()
		i.route(ctx, u)
	}
	for _, u := range batch {
		if err := i.adapter.Acknowledge(ctx, u); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to acknowledge update for task %s", u.TaskID)
		}
	}
	return nil
}

func (i *Ingestor) route(ctx *scalecontext.Context, u *schedulerobjects.TaskUpdate) {
	if u.AgentLost() {
		if node, ok := i.registry.NodeByAgent(u.AgentID); ok {
			i.registry.AddNodeError(node.ID, schedulerobjects.NodeErrorLostTasks, fmt.Sprintf("task %s lost: %s", u.TaskID, u.Reason))
		}
	}
	_, taskType, _, ok := schedulerobjects.ParseTaskID(u.TaskID)
	if !ok {
		ctx.Log.Warnf("update for unrecognised task id %s", u.TaskID)
		return
	}
	if taskType == schedulerobjects.TaskCleanup {
		i.cleanup.HandleUpdate(ctx, u)
		return
	}
	i.executions.HandleUpdate(ctx, u)
}
