package schedulerobjects

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCanceled  ExecutionStatus = "CANCELED"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning
}

// JobExecution is one attempt at running a job.
type JobExecution struct {
	ID         string
	JobID      int64
	JobType    string
	Attempt    int
	NodeID     string
	AgentID    string
	Hostname   string
	Resources  resources.Vector
	Workspaces map[string]WorkspaceMode
	Status     ExecutionStatus
	ErrorName  string
	Outputs    []string
	Started    time.Time
	Ended      time.Time
}

func (e *JobExecution) DeepCopy() *JobExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Resources = e.Resources.DeepCopy()
	c.Workspaces = maps.Clone(e.Workspaces)
	c.Outputs = slices.Clone(e.Outputs)
	return &c
}
