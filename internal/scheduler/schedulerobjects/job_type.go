package schedulerobjects

import (
	"time"

	"golang.org/x/exp/maps"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

// Unmet resource warnings recorded against a job type by the matcher.
const (
	// InvalidResources means the job type needs a resource that no agent advertises.
	InvalidResources = "INVALID_RESOURCES"
	// InsufficientResources means some agent could run the job type but none currently offers enough.
	InsufficientResources = "INSUFFICIENT_RESOURCES"
)

// JobType is the manifest every job of the type is launched from.
type JobType struct {
	Name    string
	Version string
	// Image is pulled by the pull task. Job types without an image have no pull task.
	Image   string
	Command string
	Env     map[string]string
	// Resources are the defaults for jobs that do not specify their own.
	Resources resources.Vector
	Priority  int
	MaxTries  int
	// MaxScheduled caps the number of running executions of the type. Zero means unlimited.
	MaxScheduled   int
	IsPaused       bool
	Timeouts       map[TaskType]time.Duration
	UnmetResources string
}

func (jt *JobType) DeepCopy() *JobType {
	if jt == nil {
		return nil
	}
	c := *jt
	c.Env = maps.Clone(jt.Env)
	c.Resources = jt.Resources.DeepCopy()
	c.Timeouts = maps.Clone(jt.Timeouts)
	return &c
}

// Timeout returns the job type's timeout for a task type, falling back to defaults.
func (jt *JobType) Timeout(taskType TaskType, defaults map[TaskType]time.Duration) time.Duration {
	if d, ok := jt.Timeouts[taskType]; ok && d > 0 {
		return d
	}
	return defaults[taskType]
}

// TaskTypes returns the tasks an execution of this job type runs, in order.
func (jt *JobType) TaskTypes() []TaskType {
	if jt.Image == "" {
		return []TaskType{TaskPre, TaskMain, TaskPost}
	}
	return []TaskType{TaskPull, TaskPre, TaskMain, TaskPost}
}
