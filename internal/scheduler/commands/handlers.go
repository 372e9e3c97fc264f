// Package commands implements the handlers of the scheduler's command messages. Every handler is idempotent in
// its message body: running it again after a failed ack leaves the database, the in-memory queue and the published
// fan-out exactly as the first run did.
package commands

import (
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/database"
	"github.com/ngageoint/scale/internal/scheduler/messages"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// defaultMaxTries applies to jobs whose job type does not set max tries.
const defaultMaxTries = 3

// Launcher is the part of the task launcher the handlers drive.
type Launcher interface {
	// HasJob reports whether the job has a live execution.
	HasJob(jobID int64) bool
	Cancel(ctx *scalecontext.Context, jobID int64) bool
}

type CleanupQueue interface {
	Add(exe *schedulerobjects.JobExecution)
}

// Handlers holds what the command handlers act on. It lives for one leadership session.
type Handlers struct {
	repo     *database.Repository
	registry *registry.Registry
	queue    *queue.Queue
	launcher Launcher
	cleanup  CleanupQueue
	brokers  *broker.Resolver
	clock    clock.PassiveClock
}

func NewHandlers(
	repo *database.Repository,
	registry *registry.Registry,
	queue *queue.Queue,
	launcher Launcher,
	cleanup CleanupQueue,
	brokers *broker.Resolver,
	clock clock.PassiveClock,
) *Handlers {
	return &Handlers{
		repo:     repo,
		registry: registry,
		queue:    queue,
		launcher: launcher,
		cleanup:  cleanup,
		brokers:  brokers,
		clock:    clock,
	}
}

// Register installs every handler on bus.
func Register(bus *messaging.Bus, h *Handlers) {
	bus.Register(messages.TypeQueueJobs, h.QueueJobs)
	bus.Register(messages.TypeRequeue, h.Requeue)
	bus.Register(messages.TypeCancel, h.Cancel)
	bus.Register(messages.TypeSetPriority, h.SetPriority)
	bus.Register(messages.TypePause, h.Pause)
	bus.Register(messages.TypeResume, h.Resume)
	bus.Register(messages.TypeScheduleJobExe, h.ScheduleJobExe)
	bus.Register(messages.TypeJobExeTerminated, h.JobExeTerminated)
	bus.Register(messages.TypeBlockJobs, h.BlockJobs)
	bus.Register(messages.TypeFailJobs, h.FailJobs)
	bus.Register(messages.TypePauseNode, h.PauseNode)
	bus.Register(messages.TypeCleanupJobExe, h.CleanupJobExe)
	bus.Register(messages.TypeStoreOutputs, h.StoreOutputs)
}

// result maps an error to a bus outcome. Missing records and bad input cannot succeed later; anything else is
// retried.
func result(err error, fanout ...*messaging.Message) messaging.Result {
	var invalid *scaleerrors.ErrInvalidArgument
	switch {
	case err == nil:
		return messaging.Ok(fanout...)
	case scaleerrors.IsNotFound(err), errors.As(err, &invalid), scaleerrors.KindOf(err) == scaleerrors.KindData:
		return messaging.Fail(err)
	default:
		return messaging.Retry(err)
	}
}

func decode(msg *messaging.Message, body interface{}) error {
	if err := msg.Decode(body); err != nil {
		return scaleerrors.New(scaleerrors.KindData, scaleerrors.NameInvalidInput, err)
	}
	return nil
}

// updateJobs loads the jobs, applies change to each and stores those it reports as changed. Unknown ids are skipped.
func (h *Handlers) updateJobs(
	ctx *scalecontext.Context,
	jobIDs []int64,
	change func(job *schedulerobjects.Job) bool,
) ([]*schedulerobjects.Job, error) {
	var loaded []*schedulerobjects.Job
	err := h.repo.WithTx(ctx, func(q *database.Queries) error {
		loaded = nil
		jobs, err := q.GetJobs(ctx, jobIDs)
		if err != nil {
			return err
		}
		var changed []*schedulerobjects.Job
		for _, id := range jobIDs {
			job, ok := jobs[id]
			if !ok {
				ctx.Log.Warnf("job %d does not exist", id)
				continue
			}
			if change(job) {
				changed = append(changed, job)
			}
			loaded = append(loaded, job)
		}
		return q.UpdateJobs(ctx, changed...)
	})
	return loaded, err
}

func (h *Handlers) maxTries(job *schedulerobjects.Job) int {
	if job.MaxTries > 0 {
		return job.MaxTries
	}
	if jt, ok := h.registry.JobType(job.JobType); ok && jt.MaxTries > 0 {
		return jt.MaxTries
	}
	return defaultMaxTries
}

// enqueue puts queued jobs without a live execution into the in-memory queue.
func (h *Handlers) enqueue(ctx *scalecontext.Context, jobs ...*schedulerobjects.Job) {
	snapshot := h.registry.Snapshot()
	for _, job := range jobs {
		if job.Status != schedulerobjects.JobQueued || job.Superseded || h.launcher.HasJob(job.ID) {
			continue
		}
		jt, ok := snapshot.JobType(job.JobType)
		if !ok {
			ctx.Log.Warnf("job %d has unknown job type %s and was not queued", job.ID, job.JobType)
			continue
		}
		h.queue.Put(queue.EntryFromJob(job, jt))
	}
}

func markQueued(job *schedulerobjects.Job, c clock.PassiveClock) {
	job.Status = schedulerobjects.JobQueued
	job.QueuedAt = c.Now()
	job.ErrorName = ""
	job.BlockedReason = ""
}

// QueueJobs moves pending and blocked jobs into the queue.
func (h *Handlers) QueueJobs(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.JobIDs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	jobs, err := h.updateJobs(ctx, body.JobIDs, func(job *schedulerobjects.Job) bool {
		if job.Superseded || (job.Status != schedulerobjects.JobPending && job.Status != schedulerobjects.JobBlocked) {
			return false
		}
		markQueued(job, h.clock)
		return true
	})
	if err != nil {
		return result(err)
	}
	h.enqueue(ctx, jobs...)
	return messaging.Ok()
}

// Requeue queues failed, canceled and blocked jobs again and grants them a fresh set of tries.
func (h *Handlers) Requeue(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.JobIDs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	jobs, err := h.updateJobs(ctx, body.JobIDs, func(job *schedulerobjects.Job) bool {
		switch job.Status {
		case schedulerobjects.JobFailed, schedulerobjects.JobCanceled, schedulerobjects.JobBlocked, schedulerobjects.JobPending:
		default:
			return false
		}
		if job.Superseded {
			return false
		}
		perRun := defaultMaxTries
		if jt, ok := h.registry.JobType(job.JobType); ok && jt.MaxTries > 0 {
			perRun = jt.MaxTries
		}
		job.MaxTries = job.Tries + perRun
		markQueued(job, h.clock)
		return true
	})
	if err != nil {
		return result(err)
	}
	h.enqueue(ctx, jobs...)
	return messaging.Ok()
}

// Cancel cancels jobs that have not finished. Queued entries are dropped and live tasks are killed; the killed
// execution reports its own termination.
func (h *Handlers) Cancel(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.JobIDs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	jobs, err := h.updateJobs(ctx, body.JobIDs, func(job *schedulerobjects.Job) bool {
		if job.Status.IsTerminal() {
			return false
		}
		job.Status = schedulerobjects.JobCanceled
		job.ErrorName = scaleerrors.NameCanceled
		return true
	})
	if err != nil {
		return result(err)
	}
	for _, job := range jobs {
		if job.Status != schedulerobjects.JobCanceled {
			continue
		}
		h.queue.Remove(job.ID)
		h.launcher.Cancel(ctx, job.ID)
	}
	return messaging.Ok()
}

func (h *Handlers) SetPriority(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.SetPriority{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	_, err := h.updateJobs(ctx, []int64{body.JobID}, func(job *schedulerobjects.Job) bool {
		if job.Status.IsTerminal() || job.Priority == body.Priority {
			return false
		}
		job.Priority = body.Priority
		return true
	})
	if err != nil {
		return result(err)
	}
	h.queue.UpdatePriority(body.JobID, body.Priority)
	return messaging.Ok()
}

func (h *Handlers) Pause(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	return h.setPaused(ctx, msg, true)
}

func (h *Handlers) Resume(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	return h.setPaused(ctx, msg, false)
}

func (h *Handlers) setPaused(ctx *scalecontext.Context, msg *messaging.Message, paused bool) messaging.Result {
	target := &messages.PauseTarget{}
	if err := decode(msg, target); err != nil {
		return messaging.Fail(err)
	}
	var err error
	switch {
	case target.JobType != "":
		err = h.pauseJobType(ctx, target.JobType, paused)
	case target.NodeID != "":
		err = h.pauseNode(ctx, target.NodeID, paused, false, target.Reason)
	default:
		if err = h.repo.SetSchedulerPaused(ctx, paused); err == nil {
			err = h.registry.SetSchedulerPaused(paused)
		}
	}
	if err != nil {
		return result(err)
	}
	ctx.Log.Infof("paused=%t %+v", paused, *target)
	return messaging.Ok()
}

func (h *Handlers) pauseJobType(ctx *scalecontext.Context, name string, paused bool) error {
	if err := h.repo.SetJobTypePaused(ctx, name, paused); err != nil {
		return err
	}
	jt, ok := h.registry.JobType(name)
	if !ok {
		return nil
	}
	jt = jt.DeepCopy()
	jt.IsPaused = paused
	return h.registry.UpsertJobType(jt)
}

func (h *Handlers) pauseNode(ctx *scalecontext.Context, nodeID string, paused bool, dueToErrors bool, reason string) error {
	if err := h.repo.SetNodePaused(ctx, nodeID, paused, dueToErrors, reason); err != nil {
		return err
	}
	node, ok := h.registry.Node(nodeID)
	if !ok {
		return nil
	}
	node = node.DeepCopy()
	node.IsPaused = paused
	node.IsPausedErrors = paused && dueToErrors
	node.PauseReason = ""
	if paused {
		node.PauseReason = reason
	}
	return h.registry.UpsertNode(node)
}

// PauseNode pauses a node because of errors the scheduler detected on it.
func (h *Handlers) PauseNode(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.PauseNode{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	if err := h.pauseNode(ctx, body.NodeID, true, true, body.Reason); err != nil {
		return result(err)
	}
	ctx.Log.Warnf("paused node %s: %s", body.NodeID, body.Reason)
	return messaging.Ok()
}

// ScheduleJobExe records a new execution and marks its job running. An execution that was already recorded, for
// instance because its termination was handled first, changes nothing.
func (h *Handlers) ScheduleJobExe(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.ScheduleJobExe{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	exe := body.Execution
	if exe == nil {
		return messaging.Fail(scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "schedule_job_exe without execution"))
	}
	err := h.repo.WithTx(ctx, func(q *database.Queries) error {
		inserted, err := q.InsertExecution(ctx, exe)
		if err != nil || !inserted {
			return err
		}
		job, err := q.GetJob(ctx, exe.JobID)
		if err != nil {
			return err
		}
		if job.Status != schedulerobjects.JobQueued && job.Status != schedulerobjects.JobRunning {
			return nil
		}
		job.Status = schedulerobjects.JobRunning
		job.NodeID = exe.NodeID
		return q.UpdateJobs(ctx, job)
	})
	return result(err)
}

// JobExeTerminated records the final state of an execution and moves its job on: completed, retried, or failed
// once its tries are used up. It fans out output storage and workspace cleanup.
func (h *Handlers) JobExeTerminated(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.JobExeTerminated{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	exe := body.Execution
	if exe == nil || !exe.Status.IsTerminal() {
		return messaging.Fail(scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "job_exe_terminated without a terminal execution"))
	}

	var job *schedulerobjects.Job
	err := h.repo.WithTx(ctx, func(q *database.Queries) error {
		var err error
		job, err = q.GetJob(ctx, exe.JobID)
		if err != nil {
			return err
		}
		stored, err := q.GetExecution(ctx, exe.ID)
		if err != nil && !scaleerrors.IsNotFound(err) {
			return err
		}
		if stored != nil && stored.Status.IsTerminal() {
			return nil
		}
		if err := q.UpsertExecution(ctx, exe); err != nil {
			return err
		}
		exes, err := q.ExecutionsForJob(ctx, exe.JobID)
		if err != nil {
			return err
		}
		superseded := false
		for _, other := range exes {
			if other.ID != exe.ID && other.Status == schedulerobjects.ExecutionRunning {
				superseded = true
			}
		}
		h.applyTermination(job, exe, body.Transient, superseded)
		return q.UpdateJobs(ctx, job)
	})
	if err != nil {
		return result(err)
	}
	h.enqueue(ctx, job)

	var fanout []*messaging.Message
	if exe.Status == schedulerobjects.ExecutionCompleted && len(exe.Outputs) > 0 {
		if workspace := job.OutputWorkspace(); workspace != "" {
			fanout = append(fanout, messages.NewStoreOutputs(exe.ID, exe.JobID, workspace, exe.Outputs))
		}
	}
	if !body.Transient && exe.AgentID != "" {
		fanout = append(fanout, messages.NewCleanupJobExe(exe))
	}
	return messaging.Ok(fanout...)
}

// applyTermination updates job for the end of exe. Transient failures never reached the cluster and do not use a
// try. A job canceled or already finished keeps its status, as does one that has moved on to a newer execution.
func (h *Handlers) applyTermination(job *schedulerobjects.Job, exe *schedulerobjects.JobExecution, transient bool, superseded bool) {
	if !transient {
		job.Tries++
	}
	if job.Status.IsTerminal() || superseded {
		return
	}
	switch exe.Status {
	case schedulerobjects.ExecutionCompleted:
		job.Status = schedulerobjects.JobCompleted
		job.ErrorName = ""
	case schedulerobjects.ExecutionCanceled:
		job.Status = schedulerobjects.JobCanceled
		job.ErrorName = scaleerrors.NameCanceled
	default:
		job.ErrorName = exe.ErrorName
		switch {
		case transient:
			job.Status = schedulerobjects.JobQueued
		case scaleerrors.ShouldRetry(exe.ErrorName) && job.Tries < h.maxTries(job):
			job.Status = schedulerobjects.JobQueued
			job.QueuedAt = h.clock.Now()
		default:
			job.Status = schedulerobjects.JobFailed
		}
	}
}

// BlockJobs marks queued jobs that cannot be scheduled.
func (h *Handlers) BlockJobs(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.BlockJobs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	jobs, err := h.updateJobs(ctx, body.JobIDs, func(job *schedulerobjects.Job) bool {
		if job.Status != schedulerobjects.JobQueued && job.Status != schedulerobjects.JobPending {
			return false
		}
		job.Status = schedulerobjects.JobBlocked
		job.BlockedReason = body.Reason
		return true
	})
	if err != nil {
		return result(err)
	}
	for _, job := range jobs {
		if job.Status == schedulerobjects.JobBlocked {
			h.queue.Remove(job.ID)
		}
	}
	return messaging.Ok()
}

// FailJobs fails jobs that have not started with a non-retryable error.
func (h *Handlers) FailJobs(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.FailJobs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	jobs, err := h.updateJobs(ctx, body.JobIDs, func(job *schedulerobjects.Job) bool {
		switch job.Status {
		case schedulerobjects.JobPending, schedulerobjects.JobBlocked, schedulerobjects.JobQueued:
		default:
			return false
		}
		job.Status = schedulerobjects.JobFailed
		job.ErrorName = body.ErrorName
		return true
	})
	if err != nil {
		return result(err)
	}
	for _, job := range jobs {
		if job.Status == schedulerobjects.JobFailed {
			h.queue.Remove(job.ID)
		}
	}
	return messaging.Ok()
}

func (h *Handlers) CleanupJobExe(_ *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.CleanupJobExe{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	if body.Execution == nil || body.Execution.AgentID == "" {
		return messaging.Ok()
	}
	h.cleanup.Add(body.Execution)
	return messaging.Ok()
}

// StoreOutputs moves an execution's outputs from its staging area into the output workspace and records them
// against the job.
func (h *Handlers) StoreOutputs(ctx *scalecontext.Context, msg *messaging.Message) messaging.Result {
	body := &messages.StoreOutputs{}
	if err := decode(msg, body); err != nil {
		return messaging.Fail(err)
	}
	workspace, ok := h.registry.Workspace(body.Workspace)
	if !ok {
		return messaging.Fail(scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameWorkspaceMissing, "workspace %s does not exist", body.Workspace))
	}
	b, err := h.brokers.For(workspace)
	if err != nil {
		return messaging.Fail(err)
	}
	stored, err := b.StoreOutputs(ctx, body.ExeID, body.Files)
	if err != nil {
		return result(err)
	}
	outputs := make([]*database.JobOutput, len(stored))
	for i, path := range stored {
		outputs[i] = &database.JobOutput{JobID: body.JobID, Path: path, ExeID: body.ExeID, Workspace: body.Workspace}
	}
	return result(h.repo.InsertJobOutputs(ctx, outputs))
}
