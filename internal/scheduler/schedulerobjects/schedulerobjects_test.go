package schedulerobjects

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

func TestTaskID_RoundTrip(t *testing.T) {
	id := TaskID("01GF2Z5J1RD4Q0FZ4SDBK6Q9ZB", TaskMain, 2)
	assert.Equal(t, "01GF2Z5J1RD4Q0FZ4SDBK6Q9ZB_main_2", id)

	exeID, taskType, attempt, ok := ParseTaskID(id)
	assert.True(t, ok)
	assert.Equal(t, "01GF2Z5J1RD4Q0FZ4SDBK6Q9ZB", exeID)
	assert.Equal(t, TaskMain, taskType)
	assert.Equal(t, 2, attempt)

	_, _, _, ok = ParseTaskID("not-a-task")
	assert.False(t, ok)
	_, _, _, ok = ParseTaskID("exe_main_x")
	assert.False(t, ok)
}

func TestNodeState(t *testing.T) {
	degraded := NodeConditions{Errors: map[string]NodeCondition{NodeErrorCleanup: {Name: NodeErrorCleanup}}}
	tests := map[string]struct {
		node       Node
		online     bool
		conditions NodeConditions
		expected   NodeState
	}{
		"ready":                   {node: Node{IsActive: true}, online: true, expected: NodeReady},
		"deprecated wins":         {node: Node{IsActive: false, IsPaused: true}, online: true, expected: NodeDeprecated},
		"offline":                 {node: Node{IsActive: true}, online: false, expected: NodeOffline},
		"paused":                  {node: Node{IsActive: true, IsPaused: true}, online: true, conditions: degraded, expected: NodePaused},
		"degraded":                {node: Node{IsActive: true}, online: true, conditions: degraded, expected: NodeDegraded},
		"warnings do not degrade": {node: Node{IsActive: true}, online: true, conditions: NodeConditions{Warnings: map[string]NodeCondition{NodeWarnSlowCleanup: {}}}, expected: NodeReady},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.node.State(tc.online, tc.conditions))
		})
	}
}

func TestJobType(t *testing.T) {
	jt := &JobType{
		Name:     "landsat-parse",
		Timeouts: map[TaskType]time.Duration{TaskMain: time.Hour},
	}
	defaults := map[TaskType]time.Duration{TaskMain: 30 * time.Minute, TaskPre: 10 * time.Minute}
	assert.Equal(t, time.Hour, jt.Timeout(TaskMain, defaults))
	assert.Equal(t, 10*time.Minute, jt.Timeout(TaskPre, defaults))
	assert.Equal(t, []TaskType{TaskPre, TaskMain, TaskPost}, jt.TaskTypes())

	jt.Image = "registry/landsat:1.0"
	assert.Equal(t, []TaskType{TaskPull, TaskPre, TaskMain, TaskPost}, jt.TaskTypes())
}

func TestJob_DeepCopyAndOutputWorkspace(t *testing.T) {
	job := &Job{
		ID:         1,
		Resources:  resources.Vector{resources.CPUs: 1},
		Workspaces: map[string]WorkspaceMode{"raw": ReadOnly, "products": ReadWrite, "archive": ReadWrite},
	}
	c := job.DeepCopy()
	c.Workspaces["raw"] = ReadWrite
	c.Resources[resources.CPUs] = 4
	assert.Equal(t, ReadOnly, job.Workspaces["raw"])
	assert.Equal(t, 1.0, job.Resources[resources.CPUs])
	assert.Equal(t, "archive", job.OutputWorkspace())
	assert.Equal(t, "", (&Job{}).OutputWorkspace())
}

func TestWorkspaceSupports(t *testing.T) {
	ws := &Workspace{Name: "raw", Broker: BrokerDescriptor{Type: BrokerHost, ReadOnly: true, Hosts: []string{"node-1"}}}
	assert.True(t, ws.Supports(ReadOnly, "node-1"))
	assert.False(t, ws.Supports(ReadWrite, "node-1"))
	assert.False(t, ws.Supports(ReadOnly, "node-2"))
	assert.True(t, (&Workspace{}).Supports(ReadWrite, "anywhere"))
}

func TestStatuses(t *testing.T) {
	assert.True(t, JobCanceled.IsTerminal())
	assert.False(t, JobQueued.IsTerminal())
	assert.True(t, TaskLost.IsTerminal())
	assert.False(t, TaskStaging.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, (&TaskUpdate{Reason: ReasonAgentRemoved}).AgentLost())
}
