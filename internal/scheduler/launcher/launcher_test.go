package launcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	"github.com/ngageoint/scale/internal/scheduler/matching"
	"github.com/ngageoint/scale/internal/scheduler/messages"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

var baseTime = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*messaging.Message
}

func (p *recordingPublisher) Publish(_ *scalecontext.Context, msgs ...*messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *recordingPublisher) ofType(msgType string) []*messaging.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []*messaging.Message
	for _, m := range p.messages {
		if m.Type == msgType {
			result = append(result, m)
		}
	}
	return result
}

type fixture struct {
	ctx         *scalecontext.Context
	clock       *clock.FakeClock
	ledger      *offers.Ledger
	queue       *queue.Queue
	registry    *registry.Registry
	adapter     *cluster.FakeAdapter
	publisher   *recordingPublisher
	launcher    *Launcher
	jobTypes    map[string]*schedulerobjects.JobType
	rawDir      string
	productsDir string
	offerCount  int
}

func newFixture(t *testing.T, partialAccept bool) *fixture {
	c := clock.NewFakeClock(baseTime)
	reg, err := registry.New(c)
	require.NoError(t, err)
	f := &fixture{
		ctx:         scalecontext.Background(),
		clock:       c,
		ledger:      offers.NewLedger(5*time.Minute, 2, c),
		queue:       queue.New(queue.Config{AgeInterval: time.Minute}),
		registry:    reg,
		adapter:     cluster.NewFakeAdapter(partialAccept, c),
		publisher:   &recordingPublisher{},
		rawDir:      t.TempDir(),
		productsDir: t.TempDir(),
		jobTypes: map[string]*schedulerobjects.JobType{
			"ingest": {
				Name:      "ingest",
				Image:     "scale/ingest:1.0",
				Command:   "ingest ${INPUT_FILES} -o ${OUTPUT_DIR} --job ${JOB_ID}",
				Env:       map[string]string{"LOG_LEVEL": "debug"},
				MaxTries:  3,
				Resources: resources.Vector{resources.CPUs: 1, resources.Mem: 512},
			},
			"plain": {
				Name:      "plain",
				Command:   "true",
				MaxTries:  3,
				Resources: resources.Vector{resources.CPUs: 1, resources.Mem: 512},
				Timeouts:  map[schedulerobjects.TaskType]time.Duration{schedulerobjects.TaskMain: 10 * time.Minute},
			},
		},
	}
	nodes := []*schedulerobjects.Node{{ID: "node-a", AgentID: "agent-a", Hostname: "host-a", IsActive: true}}
	workspaces := []*schedulerobjects.Workspace{
		{Name: "raw", IsActive: true, Broker: schedulerobjects.BrokerDescriptor{Type: schedulerobjects.BrokerHost, HostPath: f.rawDir, ReadOnly: true}},
		{Name: "products", IsActive: true, Broker: schedulerobjects.BrokerDescriptor{Type: schedulerobjects.BrokerHost, HostPath: f.productsDir}},
	}
	jobTypes := []*schedulerobjects.JobType{f.jobTypes["ingest"], f.jobTypes["plain"]}
	require.NoError(t, reg.Replace(nodes, workspaces, jobTypes, &schedulerobjects.SchedulerState{}))

	config := Config{LaunchAckTimeout: 30 * time.Second, MaxLaunchRetries: 3, MonitorInterval: time.Second}
	f.launcher = New(config, f.ledger, f.queue, reg, f.adapter, f.publisher, broker.NewResolver(), nil, c)
	return f
}

func (f *fixture) job(jobID int64, jobType string, mutate ...func(*schedulerobjects.Job)) *schedulerobjects.Job {
	job := &schedulerobjects.Job{
		ID:       jobID,
		JobType:  jobType,
		Priority: 100,
		Status:   schedulerobjects.JobQueued,
		MaxTries: 3,
		QueuedAt: f.clock.Now(),
	}
	for _, m := range mutate {
		m(job)
	}
	return job
}

func (f *fixture) offer(t *testing.T) {
	f.offerCount++
	require.NoError(t, f.ledger.Record(&offers.Offer{
		ID:        "offer-" + string(rune('a'+f.offerCount)),
		AgentID:   "agent-a",
		Hostname:  "host-a",
		Resources: resources.Vector{resources.CPUs: 4, resources.Mem: 4096},
	}))
}

// accept binds a job to a fresh offer the way the matcher would.
func (f *fixture) accept(t *testing.T, job *schedulerobjects.Job) {
	entry := queue.EntryFromJob(job, f.jobTypes[job.JobType])
	f.offer(t)
	draw, err := f.ledger.Draw("agent-a", entry.Resources)
	require.NoError(t, err)
	node, _ := f.registry.Node("node-a")
	require.NoError(t, f.launcher.Accept(f.ctx, &matching.Binding{
		Entry:   entry,
		JobType: f.jobTypes[job.JobType],
		Node:    node,
		Draw:    draw,
	}))
}

// serveNext gives every execution waiting for its next task a fresh offer and dispatches the launches.
func (f *fixture) serveNext(t *testing.T) {
	for _, p := range f.launcher.PendingTasks() {
		f.offer(t)
		draw, err := f.ledger.Draw(p.AgentID, p.Resources)
		require.NoError(t, err)
		require.NoError(t, f.launcher.AcceptNext(f.ctx, p.ExeID, draw))
	}
	f.launcher.DispatchPending(f.ctx)
}

func (f *fixture) deliver() {
	for _, u := range f.adapter.PendingUpdates() {
		f.launcher.HandleUpdate(f.ctx, u)
	}
}

func (f *fixture) lastTask(t *testing.T) *schedulerobjects.Task {
	tasks := f.adapter.LaunchedTasks()
	require.NotEmpty(t, tasks)
	return tasks[len(tasks)-1]
}

// finish runs the most recently launched task to completion.
func (f *fixture) finish(t *testing.T, outputs ...string) {
	task := f.lastTask(t)
	f.adapter.SendUpdate(task.ID, schedulerobjects.TaskRunning)
	f.adapter.SendUpdate(task.ID, schedulerobjects.TaskFinished, outputs...)
	f.deliver()
}

func (f *fixture) terminated(t *testing.T) []*messages.JobExeTerminated {
	var bodies []*messages.JobExeTerminated
	for _, m := range f.publisher.ofType(messages.TypeJobExeTerminated) {
		body := &messages.JobExeTerminated{}
		require.NoError(t, m.Decode(body))
		bodies = append(bodies, body)
	}
	return bodies
}

func taskTypes(tasks []*schedulerobjects.Task) []schedulerobjects.TaskType {
	types := make([]schedulerobjects.TaskType, len(tasks))
	for i, task := range tasks {
		types[i] = task.Type
	}
	return types
}

func TestLauncher_RunsTasksInOrder(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, os.MkdirAll(filepath.Join(f.rawDir, "scenes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.rawDir, "scenes", "a.tif"), []byte("data"), 0o644))
	job := f.job(1, "ingest", func(j *schedulerobjects.Job) {
		j.InputFiles = []schedulerobjects.InputFile{{Workspace: "raw", Path: "scenes/a.tif"}}
		j.Workspaces = map[string]schedulerobjects.WorkspaceMode{"raw": schedulerobjects.ReadOnly, "products": schedulerobjects.ReadWrite}
	})

	f.accept(t, job)
	assert.Empty(t, f.adapter.Launches(), "Accept must not launch")
	byJobType, byAgent := f.launcher.RunningCounts()
	assert.Equal(t, map[string]int{"ingest": 1}, byJobType)
	assert.Equal(t, map[string]int{"agent-a": 1}, byAgent)
	running := f.launcher.RunningJobs()
	require.Len(t, running, 1)
	assert.Equal(t, "agent-a", running[0].AgentID)
	assert.Equal(t, 100, running[0].Priority)
	assert.True(t, running[0].Resources.Equal(queue.EntryFromJob(job, f.jobTypes["ingest"]).Resources))

	f.launcher.DispatchPending(f.ctx)
	require.Len(t, f.publisher.ofType(messages.TypeScheduleJobExe), 1)
	exe, ok := f.launcher.Execution(1)
	require.True(t, ok)
	assert.Equal(t, 1, exe.Attempt)
	assert.Equal(t, "node-a", exe.NodeID)

	pull := f.lastTask(t)
	assert.Equal(t, schedulerobjects.TaskID(exe.ID, schedulerobjects.TaskPull, 1), pull.ID)
	assert.Equal(t, "docker pull scale/ingest:1.0", pull.Command)
	assert.Equal(t, "debug", pull.Env["LOG_LEVEL"])
	assert.Equal(t, exe.ID, pull.Env[EnvExeID])
	assert.Equal(t, 0, f.ledger.Len(), "offer consumed by the launch")

	f.finish(t)
	assert.Len(t, f.launcher.PendingTasks(), 1)
	f.serveNext(t)
	assert.Equal(t, schedulerobjects.TaskPre, f.lastTask(t).Type)

	f.finish(t)
	f.serveNext(t)
	mainTask := f.lastTask(t)
	assert.Equal(t, schedulerobjects.TaskMain, mainTask.Type)
	outputDir := filepath.Join(f.productsDir, ".staging", exe.ID)
	assert.Equal(t, "ingest "+filepath.Join(f.rawDir, "scenes", "a.tif")+" -o "+outputDir+" --job 1", mainTask.Command)
	assert.Equal(t, "products:rw,raw:ro", mainTask.Env[EnvWorkspaces])

	f.finish(t, "out.tif")
	f.serveNext(t)
	assert.Equal(t, schedulerobjects.TaskPost, f.lastTask(t).Type)
	f.finish(t)

	assert.Equal(t,
		[]schedulerobjects.TaskType{schedulerobjects.TaskPull, schedulerobjects.TaskPre, schedulerobjects.TaskMain, schedulerobjects.TaskPost},
		taskTypes(f.adapter.LaunchedTasks()))
	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, schedulerobjects.ExecutionCompleted, terminated[0].Execution.Status)
	assert.Equal(t, []string{"out.tif"}, terminated[0].Execution.Outputs)
	assert.False(t, terminated[0].Transient)
	assert.False(t, f.launcher.HasJob(1))
	assert.Equal(t, 0, f.launcher.Len())
}

func TestLauncher_TaskFailure(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	pre := f.lastTask(t)
	assert.Equal(t, schedulerobjects.TaskPre, pre.Type)

	f.adapter.SendUpdate(pre.ID, schedulerobjects.TaskRunning)
	f.adapter.SendUpdate(pre.ID, schedulerobjects.TaskFailed)
	f.deliver()

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, schedulerobjects.ExecutionFailed, terminated[0].Execution.Status)
	assert.Equal(t, scaleerrors.NameTaskFailed, terminated[0].Execution.ErrorName)
	assert.False(t, f.launcher.HasJob(1))
	assert.False(t, f.queue.Contains(1))
}

func TestLauncher_LostLaunchIsRelaunched(t *testing.T) {
	f := newFixture(t, false)
	f.adapter.SetDropLaunches(true)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	exe, ok := f.launcher.Execution(1)
	require.True(t, ok)

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, schedulerobjects.TaskID(exe.ID, schedulerobjects.TaskPre, attempt), f.lastTask(t).ID)

		f.clock.Step(29 * time.Second)
		f.launcher.CheckTimeouts(f.ctx)
		assert.Len(t, f.adapter.Reconciles(), attempt-1, "reconciled before the ack timeout")

		f.clock.Step(time.Second)
		f.launcher.CheckTimeouts(f.ctx)
		assert.Len(t, f.adapter.Reconciles(), attempt)
		f.deliver()

		if attempt < 3 {
			assert.Len(t, f.launcher.PendingTasks(), 1)
			f.serveNext(t)
		}
	}

	assert.Len(t, f.adapter.Launches(), 3)
	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, schedulerobjects.ExecutionFailed, terminated[0].Execution.Status)
	assert.Equal(t, scaleerrors.NameMesosLost, terminated[0].Execution.ErrorName)
	assert.False(t, f.launcher.HasJob(1))
}

func TestLauncher_StagingReconcileAnswerRestartsAckTimer(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	pre := f.lastTask(t)

	f.clock.Step(30 * time.Second)
	f.launcher.CheckTimeouts(f.ctx)
	require.Len(t, f.adapter.Reconciles(), 1)
	f.deliver()

	f.clock.Step(30 * time.Second)
	f.launcher.CheckTimeouts(f.ctx)
	assert.Len(t, f.adapter.Reconciles(), 2, "a new ack timeout ran and reconciled again")
	f.deliver()
	assert.Empty(t, f.launcher.PendingTasks(), "launch counted as lost")
	assert.Empty(t, f.terminated(t))
	assert.Len(t, f.adapter.Launches(), 1)

	f.adapter.SendUpdate(pre.ID, schedulerobjects.TaskRunning)
	f.deliver()
	task, ok := f.launcher.CurrentTask(1)
	require.True(t, ok)
	assert.Equal(t, schedulerobjects.TaskRunning, task.State)
}

func TestLauncher_RemembersLaunchedQueueing(t *testing.T) {
	f := newFixture(t, false)
	job := f.job(1, "plain")
	f.accept(t, job)
	f.launcher.DispatchPending(f.ctx)
	f.finish(t)
	f.serveNext(t)
	f.finish(t)
	f.serveNext(t)
	f.finish(t)

	require.Len(t, f.terminated(t), 1)
	assert.False(t, f.launcher.HasJob(1))
	assert.True(t, f.launcher.LaunchedFor(1, job.QueuedAt))
	assert.True(t, f.launcher.LaunchedFor(1, job.QueuedAt.Add(-time.Millisecond)), "stored queued_at may lose precision")
	assert.False(t, f.launcher.LaunchedFor(1, job.QueuedAt.Add(time.Minute)), "queued again since")
	assert.False(t, f.launcher.LaunchedFor(2, job.QueuedAt))

	f.accept(t, f.job(2, "plain"))
	f.launcher.ForgetLaunched(func(jobID int64) bool { return true })
	assert.True(t, f.launcher.LaunchedFor(1, job.QueuedAt))

	f.launcher.ForgetLaunched(func(jobID int64) bool { return false })
	assert.False(t, f.launcher.LaunchedFor(1, job.QueuedAt))
	assert.True(t, f.launcher.LaunchedFor(2, job.QueuedAt), "live executions are kept")
}

func TestLauncher_UnansweredReconcileCountsAsLost(t *testing.T) {
	f := newFixture(t, false)
	f.adapter.SetDropLaunches(true)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	stale := f.lastTask(t)

	f.clock.Step(30 * time.Second)
	f.launcher.CheckTimeouts(f.ctx)
	require.Len(t, f.adapter.Reconciles(), 1)
	f.adapter.PendingUpdates()

	f.clock.Step(30 * time.Second)
	f.launcher.CheckTimeouts(f.ctx)

	kills := f.adapter.Kills()
	require.Len(t, kills, 1)
	assert.Equal(t, stale.ID, kills[0].TaskID)
	pending := f.launcher.PendingTasks()
	require.Len(t, pending, 1)
	f.serveNext(t)
	assert.Equal(t, 2, f.lastTask(t).Attempt)
	assert.Empty(t, f.terminated(t))
}

func TestLauncher_RunningTimeout(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	f.finish(t)
	f.serveNext(t)
	mainTask := f.lastTask(t)
	f.adapter.SendUpdate(mainTask.ID, schedulerobjects.TaskRunning)
	f.deliver()

	f.clock.Step(9 * time.Minute)
	f.launcher.CheckTimeouts(f.ctx)
	assert.Empty(t, f.adapter.Kills())

	f.clock.Step(time.Minute)
	f.launcher.CheckTimeouts(f.ctx)
	require.Len(t, f.adapter.Kills(), 1)
	assert.Equal(t, mainTask.ID, f.adapter.Kills()[0].TaskID)

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, scaleerrors.NameMainTimeout, terminated[0].Execution.ErrorName)

	// The KILLED update that follows belongs to an execution that has already ended.
	f.deliver()
	assert.Len(t, f.terminated(t), 1)
}

func TestLauncher_TransientLaunchFailureRequeues(t *testing.T) {
	f := newFixture(t, false)
	f.adapter.SetUnavailable(true)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.True(t, terminated[0].Transient)
	assert.Equal(t, scaleerrors.NameLaunchFailed, terminated[0].Execution.ErrorName)
	assert.True(t, f.queue.Contains(1))
	assert.False(t, f.launcher.HasJob(1))
	assert.False(t, f.launcher.LaunchedFor(1, f.clock.Now()), "requeued job may launch again")
	assert.Equal(t, 1, f.ledger.Len(), "offer released")
}

func TestLauncher_FatalLaunchFailure(t *testing.T) {
	f := newFixture(t, false)
	f.adapter.SetLaunchError(errors.New("invalid task"))
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.False(t, terminated[0].Transient)
	assert.Equal(t, scaleerrors.NameLaunchFailed, terminated[0].Execution.ErrorName)
	assert.False(t, f.queue.Contains(1))
}

func TestLauncher_MissingInputFailsExecution(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain", func(j *schedulerobjects.Job) {
		j.InputFiles = []schedulerobjects.InputFile{{Workspace: "raw", Path: "scenes/missing.tif"}}
		j.Workspaces = map[string]schedulerobjects.WorkspaceMode{"raw": schedulerobjects.ReadOnly}
	}))
	f.launcher.DispatchPending(f.ctx)

	assert.Empty(t, f.adapter.Launches())
	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, scaleerrors.NameInvalidInput, terminated[0].Execution.ErrorName)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestLauncher_CancelRunningTask(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	pre := f.lastTask(t)
	f.adapter.SendUpdate(pre.ID, schedulerobjects.TaskRunning)
	f.deliver()

	assert.True(t, f.launcher.Cancel(f.ctx, 1))
	require.Len(t, f.adapter.Kills(), 1)
	assert.Empty(t, f.terminated(t), "ends when the kill is confirmed")

	f.deliver()
	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, schedulerobjects.ExecutionCanceled, terminated[0].Execution.Status)
	assert.False(t, f.launcher.Cancel(f.ctx, 1))
}

func TestLauncher_CancelBeforeDispatch(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	assert.True(t, f.launcher.Cancel(f.ctx, 1))
	f.launcher.DispatchPending(f.ctx)

	assert.Empty(t, f.adapter.Launches())
	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, schedulerobjects.ExecutionCanceled, terminated[0].Execution.Status)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestLauncher_CancelBetweenTasks(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	f.finish(t)
	require.Len(t, f.launcher.PendingTasks(), 1)

	assert.True(t, f.launcher.Cancel(f.ctx, 1))
	assert.Empty(t, f.adapter.Kills())
	assert.Empty(t, f.launcher.PendingTasks())
	require.Len(t, f.terminated(t), 1)
	assert.Equal(t, schedulerobjects.ExecutionCanceled, f.terminated(t)[0].Execution.Status)
}

func TestLauncher_IgnoresStaleUpdates(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	exe, _ := f.launcher.Execution(1)

	f.launcher.HandleUpdate(f.ctx, &schedulerobjects.TaskUpdate{
		TaskID: schedulerobjects.TaskID(exe.ID, schedulerobjects.TaskPre, 7),
		State:  schedulerobjects.TaskFailed,
	})
	f.launcher.HandleUpdate(f.ctx, &schedulerobjects.TaskUpdate{TaskID: "not-a-task-id", State: schedulerobjects.TaskFailed})
	f.launcher.HandleUpdate(f.ctx, &schedulerobjects.TaskUpdate{TaskID: "other_pre_1", State: schedulerobjects.TaskFailed})

	assert.True(t, f.launcher.HasJob(1))
	assert.Empty(t, f.terminated(t))
}

func TestLauncher_PartialAcceptKeepsResidual(t *testing.T) {
	f := newFixture(t, true)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)

	snapshot := f.ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[0].Residual)
	assert.True(t, snapshot[0].Resources.Equal(resources.Vector{resources.CPUs: 3, resources.Mem: 3584}))
}

func TestLauncher_AgentRemovedFailsWaitingExecutions(t *testing.T) {
	f := newFixture(t, false)
	f.accept(t, f.job(1, "plain"))
	f.launcher.DispatchPending(f.ctx)
	f.finish(t)
	require.Len(t, f.launcher.PendingTasks(), 1)

	f.launcher.AgentRemoved(f.ctx, "agent-a")

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, scaleerrors.NameMesosLost, terminated[0].Execution.ErrorName)
}

type fakeStore struct {
	exes    []*schedulerobjects.JobExecution
	jobs    map[int64]*schedulerobjects.Job
	updates map[string]*schedulerobjects.TaskUpdate
}

func (s *fakeStore) LoadRunningExecutions(_ *scalecontext.Context) ([]*schedulerobjects.JobExecution, error) {
	return s.exes, nil
}

func (s *fakeStore) GetJobs(_ *scalecontext.Context, _ []int64) (map[int64]*schedulerobjects.Job, error) {
	return s.jobs, nil
}

func (s *fakeStore) LatestTaskUpdates(_ *scalecontext.Context, _ []string) (map[string]*schedulerobjects.TaskUpdate, error) {
	return s.updates, nil
}

func TestLauncher_Restore(t *testing.T) {
	f := newFixture(t, false)
	running := &schedulerobjects.JobExecution{
		ID: "exe1", JobID: 1, JobType: "plain", Attempt: 1, NodeID: "node-a", AgentID: "agent-a",
		Resources: resources.Vector{resources.CPUs: 1}, Status: schedulerobjects.ExecutionRunning,
	}
	between := &schedulerobjects.JobExecution{
		ID: "exe2", JobID: 2, JobType: "plain", Attempt: 1, NodeID: "node-a", AgentID: "agent-a",
		Resources: resources.Vector{resources.CPUs: 1}, Status: schedulerobjects.ExecutionRunning,
	}
	unknown := &schedulerobjects.JobExecution{
		ID: "exe3", JobID: 3, JobType: "retired", AgentID: "agent-a", Status: schedulerobjects.ExecutionRunning,
	}
	store := &fakeStore{
		exes: []*schedulerobjects.JobExecution{running, between, unknown},
		jobs: map[int64]*schedulerobjects.Job{
			1: f.job(1, "plain"),
			2: f.job(2, "plain"),
			3: f.job(3, "retired"),
		},
		updates: map[string]*schedulerobjects.TaskUpdate{
			"exe1": {TaskID: "exe1_main_1", State: schedulerobjects.TaskRunning, Timestamp: baseTime.Add(-time.Minute)},
			"exe2": {TaskID: "exe2_pre_1", State: schedulerobjects.TaskFinished, Timestamp: baseTime},
		},
	}

	require.NoError(t, f.launcher.Restore(f.ctx, store))

	assert.True(t, f.launcher.HasJob(1))
	assert.True(t, f.launcher.HasJob(2))
	assert.False(t, f.launcher.HasJob(3))
	task, ok := f.launcher.CurrentTask(1)
	require.True(t, ok)
	assert.Equal(t, "exe1_main_1", task.ID)
	assert.Equal(t, schedulerobjects.TaskRunning, task.State)

	reconciles := f.adapter.Reconciles()
	require.Len(t, reconciles, 1)
	assert.Equal(t, []cluster.TaskRef{{TaskID: "exe1_main_1", AgentID: "agent-a"}}, reconciles[0])

	pending := f.launcher.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, "exe2", pending[0].ExeID)

	terminated := f.terminated(t)
	require.Len(t, terminated, 1)
	assert.Equal(t, "exe3", terminated[0].Execution.ID)

	// The main task keeps its timeout from when it started.
	f.clock.Step(9 * time.Minute)
	f.launcher.CheckTimeouts(f.ctx)
	assert.Len(t, f.terminated(t), 2)
}
