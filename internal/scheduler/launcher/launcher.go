// Package launcher turns bindings into running job executions. It owns the task lifecycle of every live execution:
// launching each task in turn, watching for lost launches and timeouts, and reporting how the execution ended.
package launcher

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/common/util"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	"github.com/ngageoint/scale/internal/scheduler/matching"
	"github.com/ngageoint/scale/internal/scheduler/messages"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

type Config struct {
	// LaunchAckTimeout is how long a launched task may stay unacknowledged before it is reconciled, and how long
	// the reconcile may go unanswered before the launch is counted as lost.
	LaunchAckTimeout time.Duration
	// MaxLaunchRetries is the number of lost launches after which the execution fails.
	MaxLaunchRetries int
	// DefaultTimeouts apply to task types the job type sets no timeout for.
	DefaultTimeouts map[schedulerobjects.TaskType]time.Duration
	MonitorInterval time.Duration
	DispatchBuffer  int
}

// LeaderCheck reports whether the caller still holds the leadership it was started under.
type LeaderCheck func() bool

// Store loads what Restore needs to rebuild live executions after a failover.
type Store interface {
	LoadRunningExecutions(ctx *scalecontext.Context) ([]*schedulerobjects.JobExecution, error)
	GetJobs(ctx *scalecontext.Context, jobIDs []int64) (map[int64]*schedulerobjects.Job, error)
	LatestTaskUpdates(ctx *scalecontext.Context, exeIDs []string) (map[string]*schedulerobjects.TaskUpdate, error)
}

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_task_launches_total",
		Help: "Number of tasks handed to the cluster",
	}, []string{"task_type"})
	launchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_task_launch_failures_total",
		Help: "Number of task launches the cluster rejected or never acknowledged",
	})
	executionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_executions_ended_total",
		Help: "Number of job executions that ended, by final status",
	}, []string{"status"})
	liveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_scheduler_live_executions",
		Help: "Number of job executions the launcher is tracking",
	})
)

// execution is the launcher's state for one live job execution.
type execution struct {
	exe       *schedulerobjects.JobExecution
	job       *schedulerobjects.Job
	entry     *queue.Entry
	jobType   *schedulerobjects.JobType
	taskTypes []schedulerobjects.TaskType
	// step indexes taskTypes. attempt is the launch attempt of that step's task.
	step    int
	attempt int
	// task is the most recently launched task. Nil until the first launch.
	task *schedulerobjects.Task

	// waiting executions need offers on their agent for the next task.
	waiting bool
	// dispatching executions hold a draw that has not reached the dispatch loop yet.
	dispatching bool
	// launching executions are inside the dispatch loop.
	launching bool

	reconciledAt time.Time
	losses       int

	resolved  bool
	inputs    []string
	outputDir string
	// published is set once schedule_job_exe has gone out.
	published bool
	canceled  bool
}

func (e *execution) taskType() schedulerobjects.TaskType {
	return e.taskTypes[e.step]
}

type dispatchItem struct {
	exeID string
	draw  *offers.Draw
}

// Launcher implements matching.Launcher. Accept and AcceptNext only record state; the dispatch loop started by
// Run does the I/O.
type Launcher struct {
	config    Config
	ledger    *offers.Ledger
	queue     *queue.Queue
	registry  *registry.Registry
	adapter   cluster.Adapter
	publisher messaging.Publisher
	brokers   *broker.Resolver
	isLeader  LeaderCheck
	clock     clock.Clock

	dispatch chan dispatchItem

	mu         sync.Mutex
	executions map[string]*execution
	byJob      map[int64]string
	// launched maps a job to the queued_at its latest execution was started for. The database only leaves QUEUED
	// once schedule_job_exe is handled, which may be after the execution has ended.
	launched map[int64]time.Time
}

var _ matching.Launcher = &Launcher{}

func New(
	config Config,
	ledger *offers.Ledger,
	q *queue.Queue,
	registry *registry.Registry,
	adapter cluster.Adapter,
	publisher messaging.Publisher,
	brokers *broker.Resolver,
	isLeader LeaderCheck,
	clock clock.Clock,
) *Launcher {
	if config.MaxLaunchRetries < 1 {
		config.MaxLaunchRetries = 3
	}
	if config.DispatchBuffer < 1 {
		config.DispatchBuffer = 1000
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = time.Second
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Launcher{
		config:     config,
		ledger:     ledger,
		queue:      q,
		registry:   registry,
		adapter:    adapter,
		publisher:  publisher,
		brokers:    brokers,
		isLeader:   isLeader,
		clock:      clock,
		dispatch:   make(chan dispatchItem, config.DispatchBuffer),
		executions: map[string]*execution{},
		byJob:      map[int64]string{},
		launched:   map[int64]time.Time{},
	}
}

// Run dispatches accepted launches and checks for lost launches and timeouts until ctx is cancelled.
func (l *Launcher) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "Launcher")
	g, ctx := scalecontext.ErrGroup(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case item := <-l.dispatch:
				l.launch(ctx, item)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-l.clock.After(l.config.MonitorInterval):
				l.CheckTimeouts(ctx)
			}
		}
	})
	return g.Wait()
}

// DispatchPending launches everything accepted so far on the calling goroutine and returns how many launches it
// handled.
func (l *Launcher) DispatchPending(ctx *scalecontext.Context) int {
	n := 0
	for {
		select {
		case item := <-l.dispatch:
			l.launch(ctx, item)
			n++
		default:
			return n
		}
	}
}

func (l *Launcher) Accept(_ *scalecontext.Context, binding *matching.Binding) error {
	job := binding.Entry.Job
	if job == nil {
		return errors.Errorf("queue entry for job %d carries no job", binding.Entry.JobID)
	}
	exe := &schedulerobjects.JobExecution{
		ID:         util.NewULID(),
		JobID:      job.ID,
		JobType:    binding.JobType.Name,
		Attempt:    job.Tries + 1,
		NodeID:     binding.Node.ID,
		AgentID:    binding.Draw.AgentID,
		Hostname:   binding.Node.Hostname,
		Resources:  binding.Entry.Resources.DeepCopy(),
		Workspaces: maps.Clone(binding.Entry.Workspaces),
		Status:     schedulerobjects.ExecutionRunning,
		Started:    l.clock.Now(),
	}
	e := &execution{
		exe:         exe,
		job:         job.DeepCopy(),
		entry:       binding.Entry,
		jobType:     binding.JobType,
		taskTypes:   binding.JobType.TaskTypes(),
		attempt:     1,
		dispatching: true,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byJob[job.ID]; ok {
		return errors.Errorf("job %d already has a live execution", job.ID)
	}
	select {
	case l.dispatch <- dispatchItem{exeID: exe.ID, draw: binding.Draw}:
	default:
		return errors.New("launch dispatch queue is full")
	}
	l.executions[exe.ID] = e
	l.byJob[job.ID] = exe.ID
	l.launched[job.ID] = job.QueuedAt
	liveExecutions.Set(float64(len(l.executions)))
	return nil
}

func (l *Launcher) AcceptNext(_ *scalecontext.Context, exeID string, draw *offers.Draw) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.executions[exeID]
	if !ok || !e.waiting || e.canceled {
		return errors.Errorf("execution %s is not waiting for a task launch", exeID)
	}
	if draw.AgentID != e.exe.AgentID {
		return errors.Errorf("execution %s runs on agent %s, not %s", exeID, e.exe.AgentID, draw.AgentID)
	}
	select {
	case l.dispatch <- dispatchItem{exeID: exeID, draw: draw}:
	default:
		return errors.New("launch dispatch queue is full")
	}
	e.waiting = false
	e.dispatching = true
	return nil
}

func (l *Launcher) PendingTasks() []matching.PendingTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []matching.PendingTask
	for _, e := range l.executions {
		if !e.waiting || e.canceled {
			continue
		}
		pending = append(pending, matching.PendingTask{
			ExeID:     e.exe.ID,
			JobType:   e.exe.JobType,
			AgentID:   e.exe.AgentID,
			Resources: e.exe.Resources.DeepCopy(),
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ExeID < pending[j].ExeID })
	return pending
}

func (l *Launcher) RunningCounts() (map[string]int, map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byJobType := map[string]int{}
	byAgent := map[string]int{}
	for _, e := range l.executions {
		byJobType[e.exe.JobType]++
		byAgent[e.exe.AgentID]++
	}
	return byJobType, byAgent
}

// RunningJobs returns the agent, priority and resources of every live execution.
func (l *Launcher) RunningJobs() []matching.RunningJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	running := make([]matching.RunningJob, 0, len(l.executions))
	for _, e := range l.executions {
		r := matching.RunningJob{AgentID: e.exe.AgentID, Resources: e.exe.Resources.DeepCopy()}
		if e.job != nil {
			r.Priority = e.job.Priority
		}
		running = append(running, r)
	}
	return running
}

// HasJob reports whether the job has a live execution.
func (l *Launcher) HasJob(jobID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byJob[jobID]
	return ok
}

// LaunchedFor reports whether an execution was already started for the job since it was queued at queuedAt.
func (l *Launcher) LaunchedFor(jobID int64, queuedAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.launched[jobID]
	return ok && !queuedAt.After(at)
}

// ForgetLaunched drops the launch records of jobs for which keep returns false.
func (l *Launcher) ForgetLaunched(keep func(jobID int64) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for jobID := range l.launched {
		if _, live := l.byJob[jobID]; !live && !keep(jobID) {
			delete(l.launched, jobID)
		}
	}
}

// Execution returns a copy of the live execution of a job.
func (l *Launcher) Execution(jobID int64) (*schedulerobjects.JobExecution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exeID, ok := l.byJob[jobID]
	if !ok {
		return nil, false
	}
	return l.executions[exeID].exe.DeepCopy(), true
}

// CurrentTask returns a copy of the most recently launched task of a job's live execution.
func (l *Launcher) CurrentTask(jobID int64) (*schedulerobjects.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exeID, ok := l.byJob[jobID]
	if !ok || l.executions[exeID].task == nil {
		return nil, false
	}
	return l.executions[exeID].task.DeepCopy(), true
}

func (l *Launcher) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.executions)
}

func (l *Launcher) launch(ctx *scalecontext.Context, item dispatchItem) {
	l.mu.Lock()
	e, ok := l.executions[item.exeID]
	if !ok || e.canceled {
		l.mu.Unlock()
		l.ledger.Release(item.draw)
		if ok {
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
		}
		return
	}
	e.dispatching = false
	e.launching = true
	first := !e.published
	resolved := e.resolved
	taskType, attempt := e.taskType(), e.attempt
	l.mu.Unlock()

	ctx = scalecontext.WithExecution(ctx, e.exe.JobID, e.exe.ID)
	if !l.isLeader() {
		ctx.Log.Info("not launching; leadership lost")
		l.ledger.Release(item.draw)
		return
	}

	if !resolved {
		inputs, outputDir, err := resolveFiles(ctx, e.job, e.exe.ID, l.registry.Snapshot(), l.brokers)
		if err != nil {
			l.ledger.Release(item.draw)
			if scaleerrors.KindOf(err) == scaleerrors.KindData {
				logging.WithStacktrace(ctx.Log, err).Warn("job inputs are invalid")
				l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.NameOf(err), false)
			} else {
				logging.WithStacktrace(ctx.Log, err).Warn("failed to resolve job files")
				l.retryLater(ctx, e, first)
			}
			return
		}
		l.mu.Lock()
		e.inputs, e.outputDir, e.resolved = inputs, outputDir, true
		l.mu.Unlock()
	}

	task := buildTask(e, taskType, attempt)
	if first {
		if err := l.publisher.Publish(ctx, messages.NewScheduleJobExe(e.exe.DeepCopy())); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to publish schedule_job_exe")
			l.ledger.Release(item.draw)
			l.retryLater(ctx, e, first)
			return
		}
		l.mu.Lock()
		e.published = true
		l.mu.Unlock()
	}

	if err := l.adapter.Launch(ctx, item.draw.AgentID, []*schedulerobjects.Task{task}, item.draw.OfferIDs()); err != nil {
		l.ledger.Release(item.draw)
		launchFailuresTotal.Inc()
		if cluster.IsUnavailable(err) {
			logging.WithStacktrace(ctx.Log, err).Warnf("cluster unavailable; task %s not launched", task.ID)
			l.retryLater(ctx, e, first)
		} else {
			logging.WithStacktrace(ctx.Log, err).Errorf("cluster rejected task %s", task.ID)
			l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.NameLaunchFailed, false)
		}
		return
	}
	if l.adapter.PartialAccept() {
		l.ledger.ReturnUnused(item.draw)
	} else {
		l.ledger.Commit(item.draw)
	}
	l.ledger.TaskLaunched(item.draw.AgentID, task.ID, task.Resources)
	launchesTotal.WithLabelValues(string(taskType)).Inc()

	task.LaunchedAt = l.clock.Now()
	l.mu.Lock()
	current, ok := l.executions[e.exe.ID]
	e.launching = false
	e.task = task
	e.reconciledAt = time.Time{}
	orphaned := !ok || current != e
	canceled := e.canceled
	l.mu.Unlock()
	ctx.Log.Infof("launched task %s on agent %s", task.ID, item.draw.AgentID)
	if orphaned {
		l.ledger.TaskEnded(task.ID)
	}
	if orphaned || canceled {
		l.kill(ctx, task)
	}
}

// retryLater backs out of a launch that failed for a transient reason. An execution that never launched a task
// ends and its job goes back to the queue without using up a try. Later tasks wait for fresh offers.
func (l *Launcher) retryLater(ctx *scalecontext.Context, e *execution, first bool) {
	if first {
		l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.NameLaunchFailed, true)
		return
	}
	l.mu.Lock()
	e.launching = false
	e.waiting = true
	l.mu.Unlock()
}

// HandleUpdate advances the execution that owns the updated task. Updates for tasks that are not the current task
// of a live execution are ignored.
func (l *Launcher) HandleUpdate(ctx *scalecontext.Context, u *schedulerobjects.TaskUpdate) {
	exeID, taskType, _, ok := schedulerobjects.ParseTaskID(u.TaskID)
	if !ok || taskType == schedulerobjects.TaskCleanup {
		return
	}
	timestamp := u.Timestamp
	if timestamp.IsZero() {
		timestamp = l.clock.Now()
	}

	l.mu.Lock()
	e, ok := l.executions[exeID]
	if !ok || e.task == nil || e.task.ID != u.TaskID || e.task.State.IsTerminal() {
		l.mu.Unlock()
		ctx.Log.Debugf("ignoring %s update for task %s", u.State, u.TaskID)
		return
	}
	task := e.task
	switch u.State {
	case schedulerobjects.TaskStaging:
		if !e.reconciledAt.IsZero() {
			// The cluster knows the task, so the launch wasn't lost. Give it another ack timeout to start.
			e.reconciledAt = time.Time{}
			task.LaunchedAt = l.clock.Now()
		}
		l.mu.Unlock()
	case schedulerobjects.TaskRunning:
		if task.State != schedulerobjects.TaskRunning {
			task.State = schedulerobjects.TaskRunning
			task.StartedAt = timestamp
		}
		l.mu.Unlock()
	case schedulerobjects.TaskFinished:
		task.State = schedulerobjects.TaskFinished
		task.EndedAt = timestamp
		if taskType == schedulerobjects.TaskMain {
			e.exe.Outputs = slices.Clone(u.Outputs)
		}
		canceled := e.canceled
		done := e.step+1 >= len(e.taskTypes)
		if !done && !canceled {
			e.step++
			e.attempt = 1
			e.losses = 0
			e.waiting = true
		}
		l.mu.Unlock()
		l.ledger.TaskEnded(task.ID)
		switch {
		case canceled:
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
		case done:
			l.terminate(ctx, e, schedulerobjects.ExecutionCompleted, "", false)
		}
	default:
		lostLaunch := u.State == schedulerobjects.TaskLost &&
			u.Reason == schedulerobjects.ReasonReconciliation &&
			task.State == schedulerobjects.TaskStaging
		task.State = u.State
		task.EndedAt = timestamp
		canceled := e.canceled
		l.mu.Unlock()
		l.ledger.TaskEnded(task.ID)
		switch {
		case canceled:
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
		case lostLaunch:
			l.launchLost(ctx, e, false)
		default:
			ctx.Log.Warnf("task %s ended %s: %s %s", u.TaskID, u.State, u.Reason, u.Message)
			l.terminate(ctx, e, schedulerobjects.ExecutionFailed, failureName(u.State), false)
		}
	}
}

func failureName(state schedulerobjects.TaskState) string {
	switch state {
	case schedulerobjects.TaskFailed:
		return scaleerrors.NameTaskFailed
	case schedulerobjects.TaskLost:
		return scaleerrors.NameMesosLost
	default:
		return scaleerrors.NameUnknown
	}
}

// launchLost handles a launch the cluster never acknowledged. The task is launched again under a new attempt
// number until MaxLaunchRetries launches have been lost.
func (l *Launcher) launchLost(ctx *scalecontext.Context, e *execution, kill bool) {
	l.mu.Lock()
	if l.executions[e.exe.ID] != e {
		l.mu.Unlock()
		return
	}
	e.losses++
	stale := e.task
	exhausted := e.losses >= l.config.MaxLaunchRetries
	if !exhausted {
		e.attempt++
		e.waiting = true
	}
	losses := e.losses
	l.mu.Unlock()

	launchFailuresTotal.Inc()
	if kill {
		l.kill(ctx, stale)
	}
	if exhausted {
		ctx.Log.Errorf("task %s lost after %d launches", stale.ID, losses)
		l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.NameMesosLost, false)
		return
	}
	ctx.Log.Warnf("launch of task %s was lost; relaunching", stale.ID)
}

// CheckTimeouts reconciles tasks whose launch has not been acknowledged, counts launches whose reconcile went
// unanswered as lost, and kills tasks that have run past their timeout.
func (l *Launcher) CheckTimeouts(ctx *scalecontext.Context) {
	now := l.clock.Now()
	var reconcile []cluster.TaskRef
	var lost, timedOut []*execution

	l.mu.Lock()
	for _, e := range l.executions {
		t := e.task
		if t == nil || e.waiting || e.dispatching || e.launching || t.State.IsTerminal() {
			continue
		}
		switch t.State {
		case schedulerobjects.TaskStaging:
			if e.reconciledAt.IsZero() {
				if now.Sub(t.LaunchedAt) >= l.config.LaunchAckTimeout {
					reconcile = append(reconcile, cluster.TaskRef{TaskID: t.ID, AgentID: t.AgentID})
					e.reconciledAt = now
				}
			} else if now.Sub(e.reconciledAt) >= l.config.LaunchAckTimeout {
				t.State = schedulerobjects.TaskLost
				t.EndedAt = now
				lost = append(lost, e)
			}
		case schedulerobjects.TaskRunning:
			timeout := e.jobType.Timeout(t.Type, l.config.DefaultTimeouts)
			if timeout > 0 && now.Sub(t.StartedAt) >= timeout {
				t.State = schedulerobjects.TaskKilled
				t.EndedAt = now
				timedOut = append(timedOut, e)
			}
		}
	}
	count := len(l.executions)
	l.mu.Unlock()
	liveExecutions.Set(float64(count))

	if len(reconcile) > 0 && l.isLeader() {
		if err := l.adapter.Reconcile(ctx, reconcile); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to reconcile %d unacknowledged tasks", len(reconcile))
		}
	}
	for _, e := range lost {
		l.ledger.TaskEnded(e.task.ID)
		if e.canceled {
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
			continue
		}
		l.launchLost(ctx, e, true)
	}
	for _, e := range timedOut {
		task := e.task
		l.kill(ctx, task)
		l.ledger.TaskEnded(task.ID)
		if e.canceled {
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
			continue
		}
		ctx.Log.Warnf("task %s exceeded its timeout", task.ID)
		l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.TimeoutName(string(task.Type)), false)
	}
}

// Cancel stops the live execution of a job. A running task is killed and the execution ends when the cluster
// confirms it. Returns false if the job has no live execution.
func (l *Launcher) Cancel(ctx *scalecontext.Context, jobID int64) bool {
	l.mu.Lock()
	exeID, ok := l.byJob[jobID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	e := l.executions[exeID]
	e.canceled = true
	var live *schedulerobjects.Task
	if e.task != nil && !e.waiting && !e.task.State.IsTerminal() {
		live = e.task
	}
	inFlight := e.dispatching || e.launching
	l.mu.Unlock()

	switch {
	case live != nil:
		l.kill(ctx, live)
	case inFlight:
		// The dispatch loop sees the flag.
	default:
		l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
	}
	return true
}

// AgentRemoved fails the executions on an agent that were waiting to launch their next task there. Tasks already
// running on it are reported lost by the cluster.
func (l *Launcher) AgentRemoved(ctx *scalecontext.Context, agentID string) {
	var stranded []*execution
	l.mu.Lock()
	for _, e := range l.executions {
		if e.exe.AgentID == agentID && e.waiting {
			stranded = append(stranded, e)
		}
	}
	l.mu.Unlock()
	for _, e := range stranded {
		if e.canceled {
			l.terminate(ctx, e, schedulerobjects.ExecutionCanceled, scaleerrors.NameCanceled, false)
			continue
		}
		l.terminate(ctx, e, schedulerobjects.ExecutionFailed, scaleerrors.NameMesosLost, false)
	}
}

// terminate ends an execution and publishes job_exe_terminated. Transient failures put the job straight back in
// the queue.
func (l *Launcher) terminate(
	ctx *scalecontext.Context,
	e *execution,
	status schedulerobjects.ExecutionStatus,
	errorName string,
	transient bool,
) {
	l.mu.Lock()
	if l.executions[e.exe.ID] != e {
		l.mu.Unlock()
		return
	}
	delete(l.executions, e.exe.ID)
	delete(l.byJob, e.exe.JobID)
	liveExecutions.Set(float64(len(l.executions)))
	exe := e.exe.DeepCopy()
	task := e.task
	requeue := transient && !e.canceled
	if requeue {
		delete(l.launched, e.exe.JobID)
	}
	l.mu.Unlock()

	if task != nil {
		l.ledger.TaskEnded(task.ID)
	}
	exe.Status = status
	exe.ErrorName = errorName
	exe.Ended = l.clock.Now()
	if requeue {
		l.queue.Put(e.entry)
	}
	executionsEndedTotal.WithLabelValues(string(status)).Inc()
	if err := l.publisher.Publish(ctx, messages.NewJobExeTerminated(exe, transient)); err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("failed to publish termination of execution %s", exe.ID)
	}
	ctx.Log.Infof("execution %s of job %d ended %s %s", exe.ID, exe.JobID, status, errorName)
}

func (l *Launcher) kill(ctx *scalecontext.Context, task *schedulerobjects.Task) {
	if !l.isLeader() {
		return
	}
	if err := l.adapter.Kill(ctx, cluster.TaskRef{TaskID: task.ID, AgentID: task.AgentID}); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to kill task %s", task.ID)
	}
}

// Restore rebuilds the live executions recorded in the database and asks the cluster for the current state of
// their tasks. It must run before the matcher starts.
func (l *Launcher) Restore(ctx *scalecontext.Context, store Store) error {
	exes, err := store.LoadRunningExecutions(ctx)
	if err != nil {
		return scaleerrors.System(scaleerrors.NameDatabase, err)
	}
	if len(exes) == 0 {
		return nil
	}
	jobIDs := make([]int64, len(exes))
	exeIDs := make([]string, len(exes))
	for i, exe := range exes {
		jobIDs[i] = exe.JobID
		exeIDs[i] = exe.ID
	}
	jobs, err := store.GetJobs(ctx, jobIDs)
	if err != nil {
		return scaleerrors.System(scaleerrors.NameDatabase, err)
	}
	latest, err := store.LatestTaskUpdates(ctx, exeIDs)
	if err != nil {
		return scaleerrors.System(scaleerrors.NameDatabase, err)
	}

	snapshot := l.registry.Snapshot()
	now := l.clock.Now()
	var refs []cluster.TaskRef
	var replay []*schedulerobjects.TaskUpdate
	for _, exe := range exes {
		job, jobOk := jobs[exe.JobID]
		jobType, typeOk := snapshot.JobType(exe.JobType)
		if !jobOk || !typeOk {
			ctx.Log.Errorf("cannot restore execution %s of job %d", exe.ID, exe.JobID)
			orphan := &execution{exe: exe}
			l.mu.Lock()
			l.executions[exe.ID] = orphan
			l.mu.Unlock()
			l.terminate(ctx, orphan, schedulerobjects.ExecutionFailed, scaleerrors.NameUnknown, false)
			continue
		}
		e := &execution{
			exe:       exe,
			job:       job,
			entry:     queue.EntryFromJob(job, jobType),
			jobType:   jobType,
			taskTypes: jobType.TaskTypes(),
			attempt:   1,
			published: true,
		}
		u := latest[exe.ID]
		if u != nil {
			if _, taskType, attempt, ok := schedulerobjects.ParseTaskID(u.TaskID); ok {
				if step := slices.Index(e.taskTypes, taskType); step >= 0 {
					e.step, e.attempt = step, attempt
				}
			}
		}
		e.task = buildTask(e, e.taskType(), e.attempt)
		e.task.LaunchedAt = now
		e.reconciledAt = now
		if u != nil && u.TaskID == e.task.ID && u.State == schedulerobjects.TaskRunning {
			e.task.State = schedulerobjects.TaskRunning
			e.task.StartedAt = u.Timestamp
		}

		l.mu.Lock()
		l.executions[exe.ID] = e
		l.byJob[exe.JobID] = exe.ID
		l.mu.Unlock()
		l.ledger.TaskLaunched(exe.AgentID, e.task.ID, e.task.Resources)
		if u != nil && u.TaskID == e.task.ID && u.State.IsTerminal() {
			replay = append(replay, u)
			continue
		}
		refs = append(refs, cluster.TaskRef{TaskID: e.task.ID, AgentID: exe.AgentID})
	}
	for _, u := range replay {
		l.HandleUpdate(ctx, u)
	}
	ctx.Log.Infof("restored %d live executions", l.Len())
	if len(refs) > 0 {
		if err := l.adapter.Reconcile(ctx, refs); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to reconcile restored tasks")
		}
	}
	return nil
}
