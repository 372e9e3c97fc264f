// Package schedulerobjects contains the domain types shared by the scheduler's components.
package schedulerobjects

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobBlocked   JobStatus = "BLOCKED"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

type WorkspaceMode string

const (
	ReadOnly  WorkspaceMode = "ro"
	ReadWrite WorkspaceMode = "rw"
)

// InputFile references a file stored in a workspace.
type InputFile struct {
	Workspace string `json:"workspace"`
	Path      string `json:"path"`
}

type Job struct {
	ID         int64
	JobType    string
	Priority   int
	Status     JobStatus
	InputFiles []InputFile
	// NodeAffinity, when set, restricts the job to the node with this hostname.
	NodeAffinity string
	// NodeID is the node of the most recent execution.
	NodeID     string
	Resources  resources.Vector
	Workspaces map[string]WorkspaceMode
	MaxTries   int
	Tries      int
	Superseded bool
	ErrorName  string
	// BlockedReason explains a BLOCKED status.
	BlockedReason string
	QueuedAt      time.Time
	Created       time.Time
	LastModified  time.Time
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.InputFiles = slices.Clone(j.InputFiles)
	c.Resources = j.Resources.DeepCopy()
	c.Workspaces = maps.Clone(j.Workspaces)
	return &c
}

// OutputWorkspace returns the first read-write workspace of the job by name, or "" if there is none.
func (j *Job) OutputWorkspace() string {
	names := maps.Keys(j.Workspaces)
	slices.Sort(names)
	for _, name := range names {
		if j.Workspaces[name] == ReadWrite {
			return name
		}
	}
	return ""
}
