package schedulerobjects

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

type TaskType string

const (
	TaskPull    TaskType = "pull"
	TaskPre     TaskType = "pre"
	TaskMain    TaskType = "main"
	TaskPost    TaskType = "post"
	TaskCleanup TaskType = "cleanup"
)

type TaskState string

const (
	TaskStaging  TaskState = "STAGING"
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
	TaskFailed   TaskState = "FAILED"
	TaskKilled   TaskState = "KILLED"
	TaskLost     TaskState = "LOST"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskFinished || s == TaskFailed || s == TaskKilled || s == TaskLost
}

// Task is one process launched on an agent on behalf of a job execution.
type Task struct {
	ID        string
	ExeID     string
	Type      TaskType
	Attempt   int
	AgentID   string
	Hostname  string
	Resources resources.Vector
	Image     string
	Command   string
	Env       map[string]string
	State     TaskState
	// LaunchedAt is zero until the task has been handed to the cluster.
	LaunchedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Resources = t.Resources.DeepCopy()
	c.Env = maps.Clone(t.Env)
	return &c
}

// TaskID builds the id of a task: <exe>_<type>_<attempt>.
func TaskID(exeID string, taskType TaskType, attempt int) string {
	return fmt.Sprintf("%s_%s_%d", exeID, taskType, attempt)
}

// ParseTaskID splits a task id built by TaskID.
func ParseTaskID(taskID string) (exeID string, taskType TaskType, attempt int, ok bool) {
	parts := strings.Split(taskID, "_")
	if len(parts) < 3 {
		return "", "", 0, false
	}
	attempt, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", "", 0, false
	}
	return strings.Join(parts[:len(parts)-2], "_"), TaskType(parts[len(parts)-2]), attempt, true
}

// TaskUpdate is a normalised status callback from the cluster.
type TaskUpdate struct {
	TaskID    string
	AgentID   string
	State     TaskState
	Timestamp time.Time
	Reason    string
	Message   string
	Source    string
	ExitCode  *int
	// Outputs lists the output paths reported by a finished task.
	Outputs []string
	// AckID is the cluster's handle for acknowledging this update, if it needs one.
	AckID string
}

func (u *TaskUpdate) DeepCopy() *TaskUpdate {
	if u == nil {
		return nil
	}
	c := *u
	if u.ExitCode != nil {
		code := *u.ExitCode
		c.ExitCode = &code
	}
	c.Outputs = slices.Clone(u.Outputs)
	return &c
}

// Update reasons that mean the agent itself went away.
const (
	ReasonAgentRemoved      = "REASON_AGENT_REMOVED"
	ReasonAgentDisconnected = "REASON_AGENT_DISCONNECTED"
	ReasonReconciliation    = "REASON_RECONCILIATION"
)

func (u *TaskUpdate) AgentLost() bool {
	return u.Reason == ReasonAgentRemoved || u.Reason == ReasonAgentDisconnected
}
