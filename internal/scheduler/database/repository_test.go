package database

import (
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

var testTime = time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(id int64, status schedulerobjects.JobStatus) *schedulerobjects.Job {
	return &schedulerobjects.Job{
		ID:         id,
		JobType:    "landsat-parse",
		Priority:   100,
		Status:     status,
		InputFiles: []schedulerobjects.InputFile{{Workspace: "raw", Path: "scenes/LC08.tar"}},
		Resources:  resources.New(map[string]float64{resources.CPUs: 1, resources.Mem: 512}),
		Workspaces: map[string]schedulerobjects.WorkspaceMode{"raw": schedulerobjects.ReadOnly, "products": schedulerobjects.ReadWrite},
		MaxTries:   3,
	}
}

func TestSchedulerState(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		state, err := repo.LoadSchedulerState(ctx)
		require.NoError(t, err)
		assert.False(t, state.IsPaused)

		require.NoError(t, repo.SetSchedulerPaused(ctx, true))
		state, err = repo.LoadSchedulerState(ctx)
		require.NoError(t, err)
		assert.True(t, state.IsPaused)
	})
}

func TestNodes(t *testing.T) {
	clock := clocktesting.NewFakeClock(testTime)
	WithTestDb(t, clock, func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		registered, err := repo.RegisterNode(ctx, "worker-1", 5051, "agent-1")
		require.NoError(t, err)
		assert.True(t, registered.IsActive)
		assert.Equal(t, testTime, registered.Created)

		// A new agent on the same host keeps the node
		clock.Step(time.Minute)
		again, err := repo.RegisterNode(ctx, "worker-1", 5051, "agent-2")
		require.NoError(t, err)
		assert.Equal(t, registered.ID, again.ID)
		assert.Equal(t, "agent-2", again.AgentID)

		require.NoError(t, repo.SetNodePaused(ctx, registered.ID, true, true, "cleanup-failed"))
		nodes, err := repo.LoadNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "agent-2", nodes[0].AgentID)
		assert.True(t, nodes[0].IsPaused)
		assert.True(t, nodes[0].IsPausedErrors)
		assert.Equal(t, "cleanup-failed", nodes[0].PauseReason)
		assert.Equal(t, testTime.Add(time.Minute), nodes[0].LastSeen)

		require.NoError(t, repo.SetNodePaused(ctx, registered.ID, false, true, "ignored"))
		node, err := repo.GetNode(ctx, registered.ID)
		require.NoError(t, err)
		assert.False(t, node.IsPaused)
		assert.False(t, node.IsPausedErrors)
		assert.Empty(t, node.PauseReason)

		err = repo.SetNodePaused(ctx, "missing", true, false, "")
		assert.True(t, scaleerrors.IsNotFound(err))
	})
}

func TestWorkspacesAndJobTypes(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		workspace := &schedulerobjects.Workspace{
			Name:     "products",
			Title:    "Products",
			IsActive: true,
			Broker: schedulerobjects.BrokerDescriptor{
				Type:   schedulerobjects.BrokerS3,
				Bucket: "scale-products",
				Prefix: "out",
				Hosts:  []string{"worker-1"},
			},
		}
		require.NoError(t, repo.UpsertWorkspace(ctx, workspace))
		workspace.Title = "Renamed"
		require.NoError(t, repo.UpsertWorkspace(ctx, workspace))
		workspaces, err := repo.LoadWorkspaces(ctx)
		require.NoError(t, err)
		require.Len(t, workspaces, 1)
		assert.Equal(t, workspace, workspaces[0])

		jobType := &schedulerobjects.JobType{
			Name:         "landsat-parse",
			Version:      "1.0.0",
			Image:        "scale/landsat-parse:1.0.0",
			Command:      "parse ${INPUT_FILES} ${OUTPUT_DIR}",
			Env:          map[string]string{"LOG_LEVEL": "debug"},
			Resources:    resources.New(map[string]float64{resources.CPUs: 1, resources.Mem: 512}),
			Priority:     100,
			MaxTries:     3,
			MaxScheduled: 10,
			Timeouts:     map[schedulerobjects.TaskType]time.Duration{schedulerobjects.TaskMain: 45 * time.Minute},
		}
		require.NoError(t, repo.UpsertJobType(ctx, jobType))
		require.NoError(t, repo.SetJobTypePaused(ctx, "landsat-parse", true))
		require.NoError(t, repo.SetUnmetResources(ctx, map[string]string{
			"landsat-parse": schedulerobjects.InsufficientResources,
			"unknown":       schedulerobjects.InvalidResources,
		}))
		jobTypes, err := repo.LoadJobTypes(ctx)
		require.NoError(t, err)
		require.Len(t, jobTypes, 1)
		expected := jobType.DeepCopy()
		expected.IsPaused = true
		expected.UnmetResources = schedulerobjects.InsufficientResources
		assert.Equal(t, expected, jobTypes[0])

		assert.True(t, scaleerrors.IsNotFound(repo.SetJobTypePaused(ctx, "unknown", true)))
	})
}

func TestJobs(t *testing.T) {
	clock := clocktesting.NewFakeClock(testTime)
	WithTestDb(t, clock, func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		require.NoError(t, repo.InsertJobs(ctx,
			testJob(1, schedulerobjects.JobPending),
			testJob(2, schedulerobjects.JobQueued),
			testJob(3, schedulerobjects.JobCompleted),
		))

		job, err := repo.GetJob(ctx, 1)
		require.NoError(t, err)
		expected := testJob(1, schedulerobjects.JobPending)
		expected.Created = testTime
		expected.LastModified = testTime
		assert.Equal(t, expected, job)

		clock.Step(time.Second)
		job.Status = schedulerobjects.JobQueued
		job.QueuedAt = clock.Now()
		require.NoError(t, repo.UpdateJobs(ctx, job))

		queued, err := repo.LoadJobsByStatus(ctx, schedulerobjects.JobQueued, schedulerobjects.JobPending)
		require.NoError(t, err)
		require.Len(t, queued, 2)
		assert.Equal(t, int64(1), queued[0].ID)
		assert.Equal(t, testTime.Add(time.Second), queued[0].QueuedAt)
		assert.Equal(t, testTime.Add(time.Second), queued[0].LastModified)
		assert.Equal(t, int64(2), queued[1].ID)

		jobs, err := repo.GetJobs(ctx, []int64{1, 3, 99})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		_, err = repo.GetJob(ctx, 99)
		assert.True(t, scaleerrors.IsNotFound(err))
		assert.True(t, scaleerrors.IsNotFound(repo.UpdateJobs(ctx, testJob(99, schedulerobjects.JobQueued))))
	})
}

func TestExecutions(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		exe := &schedulerobjects.JobExecution{
			ID:         "exe-1",
			JobID:      1,
			JobType:    "landsat-parse",
			Attempt:    1,
			NodeID:     "node-1",
			AgentID:    "agent-1",
			Hostname:   "worker-1",
			Resources:  resources.New(map[string]float64{resources.CPUs: 1}),
			Workspaces: map[string]schedulerobjects.WorkspaceMode{"raw": schedulerobjects.ReadOnly},
			Status:     schedulerobjects.ExecutionRunning,
			Started:    testTime,
		}
		inserted, err := repo.InsertExecution(ctx, exe)
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = repo.InsertExecution(ctx, exe)
		require.NoError(t, err)
		assert.False(t, inserted)

		running, err := repo.LoadRunningExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, exe, running[0])

		exe.Status = schedulerobjects.ExecutionCompleted
		exe.Outputs = []string{"out/a.tif"}
		exe.Ended = testTime.Add(time.Hour)
		require.NoError(t, repo.UpsertExecution(ctx, exe))
		running, err = repo.LoadRunningExecutions(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)

		stored, err := repo.GetExecution(ctx, "exe-1")
		require.NoError(t, err)
		assert.Equal(t, exe, stored)

		forJob, err := repo.ExecutionsForJob(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, forJob, 1)

		_, err = repo.GetExecution(ctx, "missing")
		assert.True(t, scaleerrors.IsNotFound(err))
	})
}

func TestTaskUpdates(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		exitCode := 0
		pullID := schedulerobjects.TaskID("exe-1", schedulerobjects.TaskPull, 1)
		mainID := schedulerobjects.TaskID("exe-1", schedulerobjects.TaskMain, 1)
		updates := []*schedulerobjects.TaskUpdate{
			{TaskID: pullID, AgentID: "agent-1", State: schedulerobjects.TaskRunning, Timestamp: testTime},
			{TaskID: pullID, AgentID: "agent-1", State: schedulerobjects.TaskFinished, Timestamp: testTime.Add(time.Second), ExitCode: &exitCode},
			{TaskID: mainID, AgentID: "agent-1", State: schedulerobjects.TaskRunning, Timestamp: testTime.Add(2 * time.Second), Outputs: []string{"a.tif"}},
		}
		require.NoError(t, repo.InsertTaskUpdates(ctx, updates))
		// Duplicates are ignored
		require.NoError(t, repo.InsertTaskUpdates(ctx, updates[1:]))

		stored, err := repo.TaskUpdatesForExecution(ctx, "exe-1")
		require.NoError(t, err)
		require.Len(t, stored, 3)
		assert.Equal(t, updates[1], stored[1])

		latest, err := repo.LatestTaskUpdates(ctx, []string{"exe-1", "exe-2"})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, mainID, latest["exe-1"].TaskID)
	})
}

func TestJobOutputs(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		outputs := []*JobOutput{
			{JobID: 1, Path: "out/b.tif", ExeID: "exe-1", Workspace: "products"},
			{JobID: 1, Path: "out/a.tif", ExeID: "exe-1", Workspace: "products"},
		}
		require.NoError(t, repo.InsertJobOutputs(ctx, outputs))
		require.NoError(t, repo.InsertJobOutputs(ctx, outputs))
		stored, err := repo.JobOutputs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, "out/a.tif", stored[0].Path)
		assert.Equal(t, testTime, stored[0].Created)
	})
}

func TestWithTx_RollsBack(t *testing.T) {
	WithTestDb(t, clocktesting.NewFakeClock(testTime), func(repo *Repository, _ *goqu.Database) {
		ctx := scalecontext.Background()
		err := repo.WithTx(ctx, func(q *Queries) error {
			if err := q.InsertJobs(ctx, testJob(1, schedulerobjects.JobPending)); err != nil {
				return err
			}
			return errors.New("abort")
		})
		assert.Error(t, err)
		_, err = repo.GetJob(ctx, 1)
		assert.True(t, scaleerrors.IsNotFound(err))

		require.NoError(t, repo.WithTx(ctx, func(q *Queries) error {
			return q.InsertJobs(ctx, testJob(1, schedulerobjects.JobPending))
		}))
		_, err = repo.GetJob(ctx, 1)
		assert.NoError(t, err)
	})
}

func TestPruneDb(t *testing.T) {
	clock := clocktesting.NewFakeClock(testTime)
	WithTestDb(t, clock, func(repo *Repository, db *goqu.Database) {
		ctx := scalecontext.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.InsertTaskUpdates(ctx, []*schedulerobjects.TaskUpdate{{
				TaskID:    schedulerobjects.TaskID("exe-old", schedulerobjects.TaskMain, 1),
				State:     schedulerobjects.TaskRunning,
				Timestamp: testTime.Add(time.Duration(i) * time.Second),
			}}))
		}
		_, err := db.Insert(deadLetterTable).Rows(
			goqu.Record{"id": "m1", "type": "cancel", "body": "{}", "attempt": 10, "reason": "gave up", "dead_at": testTime.UnixNano()},
		).Executor().ExecContext(ctx)
		require.NoError(t, err)
		_, err = db.Insert(messageTable).Rows(
			goqu.Record{"id": "m2", "type": "cancel", "body": "{}", "enqueued_at": testTime.UnixNano(), "visible_at": testTime.UnixNano(), "acked_at": testTime.UnixNano()},
			goqu.Record{"id": "m3", "type": "cancel", "body": "{}", "enqueued_at": testTime.UnixNano(), "visible_at": testTime.UnixNano()},
		).Executor().ExecContext(ctx)
		require.NoError(t, err)

		clock.Step(48 * time.Hour)
		require.NoError(t, repo.InsertTaskUpdates(ctx, []*schedulerobjects.TaskUpdate{{
			TaskID:    schedulerobjects.TaskID("exe-new", schedulerobjects.TaskMain, 1),
			State:     schedulerobjects.TaskRunning,
			Timestamp: clock.Now(),
		}}))

		require.NoError(t, PruneDb(ctx, db, 2, 24*time.Hour, clock))

		count := func(table string) int {
			n, err := db.From(table).CountContext(ctx)
			require.NoError(t, err)
			return int(n)
		}
		assert.Equal(t, 1, count(taskUpdateTable))
		assert.Equal(t, 0, count(deadLetterTable))
		// Unacked messages are never pruned
		assert.Equal(t, 1, count(messageTable))
	})
}
