package queue

import (
	"time"

	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Entry is a job waiting to be matched.
type Entry struct {
	JobID        int64
	JobType      string
	Priority     int
	QueuedAt     time.Time
	NodeAffinity string
	Resources    resources.Vector
	Workspaces   map[string]schedulerobjects.WorkspaceMode
	// Job is the job as it was when queued. It carries what the launcher needs to build tasks.
	Job *schedulerobjects.Job
}

// EntryFromJob builds the queue entry of a job. Resources fall back to the job type defaults.
func EntryFromJob(job *schedulerobjects.Job, jobType *schedulerobjects.JobType) *Entry {
	r := job.Resources
	if r.IsZero() && jobType != nil {
		r = jobType.Resources
	}
	return &Entry{
		JobID:        job.ID,
		JobType:      job.JobType,
		Priority:     job.Priority,
		QueuedAt:     job.QueuedAt,
		NodeAffinity: job.NodeAffinity,
		Resources:    r.DeepCopy(),
		Workspaces:   job.DeepCopy().Workspaces,
		Job:          job.DeepCopy(),
	}
}

func (e *Entry) DeepCopy() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Resources = e.Resources.DeepCopy()
	c.Job = e.Job.DeepCopy()
	if e.Workspaces != nil {
		c.Workspaces = make(map[string]schedulerobjects.WorkspaceMode, len(e.Workspaces))
		for k, v := range e.Workspaces {
			c.Workspaces[k] = v
		}
	}
	return &c
}
