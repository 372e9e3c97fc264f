// Package messages defines the command messages the scheduler exchanges over its message bus.
package messages

import (
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const (
	TypeQueueJobs        = "queue_jobs"
	TypeRequeue          = "requeue"
	TypeCancel           = "cancel"
	TypeSetPriority      = "set_priority"
	TypePause            = "pause"
	TypeResume           = "resume"
	TypeScheduleJobExe   = "schedule_job_exe"
	TypeJobExeTerminated = "job_exe_terminated"
	TypeBlockJobs        = "block_jobs"
	TypeFailJobs         = "fail_jobs"
	TypePauseNode        = "pause_node"
	TypeCleanupJobExe    = "cleanup_job_exe"
	TypeStoreOutputs     = "store_outputs"
)

// JobIDs is the body of queue_jobs, requeue and cancel.
type JobIDs struct {
	JobIDs []int64 `json:"job_ids"`
}

type SetPriority struct {
	JobID    int64 `json:"job_id"`
	Priority int   `json:"priority"`
}

// PauseTarget is the body of pause and resume. With neither field set the whole scheduler is targeted.
type PauseTarget struct {
	JobType string `json:"job_type,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ScheduleJobExe struct {
	Execution *schedulerobjects.JobExecution `json:"execution"`
}

// JobExeTerminated reports the final state of an execution. Transient failures never started on the cluster and do
// not use up one of the job's tries.
type JobExeTerminated struct {
	Execution *schedulerobjects.JobExecution `json:"execution"`
	Transient bool                           `json:"transient,omitempty"`
}

type BlockJobs struct {
	JobIDs []int64 `json:"job_ids"`
	Reason string  `json:"reason"`
}

type FailJobs struct {
	JobIDs    []int64 `json:"job_ids"`
	ErrorName string  `json:"error_name"`
}

type PauseNode struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

type CleanupJobExe struct {
	Execution *schedulerobjects.JobExecution `json:"execution"`
}

// StoreOutputs moves the files an execution wrote into its output workspace.
type StoreOutputs struct {
	ExeID     string   `json:"exe_id"`
	JobID     int64    `json:"job_id"`
	Workspace string   `json:"workspace"`
	Files     []string `json:"files"`
}

func QueueJobs(jobIDs ...int64) *messaging.Message {
	return messaging.MustNewMessage(TypeQueueJobs, JobIDs{JobIDs: jobIDs})
}

func Requeue(jobIDs ...int64) *messaging.Message {
	return messaging.MustNewMessage(TypeRequeue, JobIDs{JobIDs: jobIDs})
}

func Cancel(jobIDs ...int64) *messaging.Message {
	return messaging.MustNewMessage(TypeCancel, JobIDs{JobIDs: jobIDs})
}

func NewSetPriority(jobID int64, priority int) *messaging.Message {
	return messaging.MustNewMessage(TypeSetPriority, SetPriority{JobID: jobID, Priority: priority})
}

func Pause(target PauseTarget) *messaging.Message {
	return messaging.MustNewMessage(TypePause, target)
}

func Resume(target PauseTarget) *messaging.Message {
	return messaging.MustNewMessage(TypeResume, target)
}

func NewScheduleJobExe(exe *schedulerobjects.JobExecution) *messaging.Message {
	return messaging.MustNewMessage(TypeScheduleJobExe, ScheduleJobExe{Execution: exe})
}

func NewJobExeTerminated(exe *schedulerobjects.JobExecution, transient bool) *messaging.Message {
	return messaging.MustNewMessage(TypeJobExeTerminated, JobExeTerminated{Execution: exe, Transient: transient})
}

func NewBlockJobs(reason string, jobIDs ...int64) *messaging.Message {
	return messaging.MustNewMessage(TypeBlockJobs, BlockJobs{JobIDs: jobIDs, Reason: reason})
}

func NewFailJobs(errorName string, jobIDs ...int64) *messaging.Message {
	return messaging.MustNewMessage(TypeFailJobs, FailJobs{JobIDs: jobIDs, ErrorName: errorName})
}

func NewPauseNode(nodeID string, reason string) *messaging.Message {
	return messaging.MustNewMessage(TypePauseNode, PauseNode{NodeID: nodeID, Reason: reason})
}

func NewCleanupJobExe(exe *schedulerobjects.JobExecution) *messaging.Message {
	return messaging.MustNewMessage(TypeCleanupJobExe, CleanupJobExe{Execution: exe})
}

func NewStoreOutputs(exeID string, jobID int64, workspace string, files []string) *messaging.Message {
	return messaging.MustNewMessage(TypeStoreOutputs, StoreOutputs{ExeID: exeID, JobID: jobID, Workspace: workspace, Files: files})
}
