package database

import (
	"database/sql"
	"strconv"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/common/util"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// dbtx is satisfied by both *goqu.Database and *goqu.TxDatabase.
type dbtx interface {
	From(from ...interface{}) *goqu.SelectDataset
	Insert(table interface{}) *goqu.InsertDataset
	Update(table interface{}) *goqu.UpdateDataset
	Delete(table interface{}) *goqu.DeleteDataset
}

// Queries holds every statement the scheduler runs against its database. A Queries bound to a transaction is
// handed out by Repository.WithTx.
type Queries struct {
	db    dbtx
	clock clock.PassiveClock
}

func notFound(resourceType string, value string) error {
	return errors.WithStack(&scaleerrors.ErrNotFound{Type: resourceType, Value: value})
}

func affected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	return n, errors.WithStack(err)
}

// upsert updates the row matching where, inserting it if no row matched.
func (q *Queries) upsert(ctx *scalecontext.Context, table string, where exp.Expression, row interface{}) error {
	result, err := q.db.Update(table).Set(row).Where(where).Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := affected(result)
	if err != nil || n > 0 {
		return err
	}
	_, err = q.db.Insert(table).Rows(row).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (q *Queries) LoadSchedulerState(ctx *scalecontext.Context) (*schedulerobjects.SchedulerState, error) {
	var row schedulerRow
	found, err := q.db.From(schedulerTable).
		Where(goqu.C("name").Eq(schedulerobjects.SchedulerStateName)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return &schedulerobjects.SchedulerState{Name: schedulerobjects.SchedulerStateName}, nil
	}
	return &schedulerobjects.SchedulerState{Name: row.Name, IsPaused: row.IsPaused}, nil
}

func (q *Queries) SetSchedulerPaused(ctx *scalecontext.Context, paused bool) error {
	return q.upsert(ctx, schedulerTable,
		goqu.C("name").Eq(schedulerobjects.SchedulerStateName),
		schedulerRow{Name: schedulerobjects.SchedulerStateName, IsPaused: paused})
}

func (q *Queries) LoadNodes(ctx *scalecontext.Context) ([]*schedulerobjects.Node, error) {
	var rows []nodeRow
	if err := q.db.From(nodeTable).Order(goqu.C("id").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	nodes := make([]*schedulerobjects.Node, len(rows))
	for i, row := range rows {
		nodes[i] = row.toNode()
	}
	return nodes, nil
}

func (q *Queries) GetNode(ctx *scalecontext.Context, nodeID string) (*schedulerobjects.Node, error) {
	var row nodeRow
	found, err := q.db.From(nodeTable).Where(goqu.C("id").Eq(nodeID)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, notFound("node", nodeID)
	}
	return row.toNode(), nil
}

func (q *Queries) UpsertNode(ctx *scalecontext.Context, node *schedulerobjects.Node) error {
	return q.upsert(ctx, nodeTable, goqu.C("id").Eq(node.ID), nodeToRow(node))
}

// RegisterNode records an agent seen in an offer. A node already known by hostname keeps its id and settings
// and takes the new agent id.
func (q *Queries) RegisterNode(ctx *scalecontext.Context, hostname string, port int, agentID string) (*schedulerobjects.Node, error) {
	now := q.clock.Now()
	var row nodeRow
	found, err := q.db.From(nodeTable).Where(goqu.C("hostname").Eq(hostname)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if found {
		_, err := q.db.Update(nodeTable).
			Set(goqu.Record{"agent_id": agentID, "port": port, "last_seen": now.UnixNano()}).
			Where(goqu.C("id").Eq(row.ID)).
			Executor().
			ExecContext(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row.AgentID = agentID
		row.Port = port
		row.LastSeen = now.UnixNano()
		return row.toNode(), nil
	}
	node := &schedulerobjects.Node{
		ID:       util.NewULID(),
		AgentID:  agentID,
		Hostname: hostname,
		Port:     port,
		IsActive: true,
		LastSeen: now,
		Created:  now,
	}
	if _, err := q.db.Insert(nodeTable).Rows(nodeToRow(node)).Executor().ExecContext(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return node, nil
}

func (q *Queries) SetNodePaused(ctx *scalecontext.Context, nodeID string, paused bool, dueToErrors bool, reason string) error {
	if !paused {
		dueToErrors = false
		reason = ""
	}
	result, err := q.db.Update(nodeTable).
		Set(goqu.Record{"is_paused": paused, "is_paused_errors": dueToErrors, "pause_reason": reason}).
		Where(goqu.C("id").Eq(nodeID)).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("node", nodeID)
	}
	return nil
}

// TouchNodes sets last_seen for the given nodes.
func (q *Queries) TouchNodes(ctx *scalecontext.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := q.db.Update(nodeTable).
		Set(goqu.Record{"last_seen": q.clock.Now().UnixNano()}).
		Where(goqu.C("id").In(nodeIDs)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (q *Queries) LoadWorkspaces(ctx *scalecontext.Context) ([]*schedulerobjects.Workspace, error) {
	var rows []workspaceRow
	if err := q.db.From(workspaceTable).Order(goqu.C("name").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	workspaces := make([]*schedulerobjects.Workspace, 0, len(rows))
	for _, row := range rows {
		w, err := row.toWorkspace()
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, nil
}

func (q *Queries) UpsertWorkspace(ctx *scalecontext.Context, workspace *schedulerobjects.Workspace) error {
	row, err := workspaceToRow(workspace)
	if err != nil {
		return err
	}
	return q.upsert(ctx, workspaceTable, goqu.C("name").Eq(workspace.Name), row)
}

func (q *Queries) LoadJobTypes(ctx *scalecontext.Context) ([]*schedulerobjects.JobType, error) {
	var rows []jobTypeRow
	if err := q.db.From(jobTypeTable).Order(goqu.C("name").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	jobTypes := make([]*schedulerobjects.JobType, 0, len(rows))
	for _, row := range rows {
		jt, err := row.toJobType()
		if err != nil {
			return nil, err
		}
		jobTypes = append(jobTypes, jt)
	}
	return jobTypes, nil
}

func (q *Queries) UpsertJobType(ctx *scalecontext.Context, jobType *schedulerobjects.JobType) error {
	row, err := jobTypeToRow(jobType)
	if err != nil {
		return err
	}
	return q.upsert(ctx, jobTypeTable, goqu.C("name").Eq(jobType.Name), row)
}

func (q *Queries) SetJobTypePaused(ctx *scalecontext.Context, name string, paused bool) error {
	return q.updateJobType(ctx, name, goqu.Record{"is_paused": paused})
}

// SetUnmetResources records the unmet resource warning of each job type in warnings. An empty string clears it.
func (q *Queries) SetUnmetResources(ctx *scalecontext.Context, warnings map[string]string) error {
	for name, warning := range warnings {
		err := q.updateJobType(ctx, name, goqu.Record{"unmet_resources": warning})
		if err != nil && !scaleerrors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (q *Queries) updateJobType(ctx *scalecontext.Context, name string, record goqu.Record) error {
	result, err := q.db.Update(jobTypeTable).Set(record).Where(goqu.C("name").Eq(name)).Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("job type", name)
	}
	return nil
}

func (q *Queries) InsertJobs(ctx *scalecontext.Context, jobs ...*schedulerobjects.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := q.clock.Now()
	rows := make([]interface{}, len(jobs))
	for i, job := range jobs {
		job = job.DeepCopy()
		if job.Created.IsZero() {
			job.Created = now
		}
		job.LastModified = now
		row, err := jobToRow(job)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	_, err := q.db.Insert(jobTable).Rows(rows...).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (q *Queries) GetJob(ctx *scalecontext.Context, jobID int64) (*schedulerobjects.Job, error) {
	jobs, err := q.GetJobs(ctx, []int64{jobID})
	if err != nil {
		return nil, err
	}
	job, ok := jobs[jobID]
	if !ok {
		return nil, notFound("job", strconv.FormatInt(jobID, 10))
	}
	return job, nil
}

// GetJobs returns the jobs with the given ids, keyed by id. Unknown ids are absent from the result.
func (q *Queries) GetJobs(ctx *scalecontext.Context, jobIDs []int64) (map[int64]*schedulerobjects.Job, error) {
	result := make(map[int64]*schedulerobjects.Job, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}
	var rows []jobRow
	if err := q.db.From(jobTable).Where(goqu.C("id").In(jobIDs)).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		result[job.ID] = job
	}
	return result, nil
}

// LoadJobsByStatus returns every job in one of the given statuses, ordered by id.
func (q *Queries) LoadJobsByStatus(ctx *scalecontext.Context, statuses ...schedulerobjects.JobStatus) ([]*schedulerobjects.Job, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	var rows []jobRow
	err := q.db.From(jobTable).
		Where(goqu.C("status").In(values)).
		Order(goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]*schedulerobjects.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJobs overwrites the stored jobs and stamps their last_modified time.
func (q *Queries) UpdateJobs(ctx *scalecontext.Context, jobs ...*schedulerobjects.Job) error {
	now := q.clock.Now()
	for _, job := range jobs {
		job.LastModified = now
		row, err := jobToRow(job)
		if err != nil {
			return err
		}
		result, err := q.db.Update(jobTable).Set(row).Where(goqu.C("id").Eq(job.ID)).Executor().ExecContext(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("job", strconv.FormatInt(job.ID, 10))
		}
	}
	return nil
}

// InsertExecution stores exe unless an execution with its id exists. It reports whether a row was inserted.
func (q *Queries) InsertExecution(ctx *scalecontext.Context, exe *schedulerobjects.JobExecution) (bool, error) {
	row, err := exeToRow(exe)
	if err != nil {
		return false, err
	}
	result, err := q.db.Insert(jobExeTable).Rows(row).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := affected(result)
	return n > 0, err
}

func (q *Queries) UpsertExecution(ctx *scalecontext.Context, exe *schedulerobjects.JobExecution) error {
	row, err := exeToRow(exe)
	if err != nil {
		return err
	}
	return q.upsert(ctx, jobExeTable, goqu.C("id").Eq(exe.ID), row)
}

func (q *Queries) GetExecution(ctx *scalecontext.Context, exeID string) (*schedulerobjects.JobExecution, error) {
	var row jobExeRow
	found, err := q.db.From(jobExeTable).Where(goqu.C("id").Eq(exeID)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, notFound("job execution", exeID)
	}
	return row.toExecution()
}

func (q *Queries) LoadRunningExecutions(ctx *scalecontext.Context) ([]*schedulerobjects.JobExecution, error) {
	return q.loadExecutions(ctx, goqu.C("status").Eq(string(schedulerobjects.ExecutionRunning)))
}

func (q *Queries) ExecutionsForJob(ctx *scalecontext.Context, jobID int64) ([]*schedulerobjects.JobExecution, error) {
	return q.loadExecutions(ctx, goqu.C("job_id").Eq(jobID))
}

func (q *Queries) loadExecutions(ctx *scalecontext.Context, where exp.Expression) ([]*schedulerobjects.JobExecution, error) {
	var rows []jobExeRow
	err := q.db.From(jobExeTable).Where(where).Order(goqu.C("started").Asc(), goqu.C("id").Asc()).ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	exes := make([]*schedulerobjects.JobExecution, 0, len(rows))
	for _, row := range rows {
		exe, err := row.toExecution()
		if err != nil {
			return nil, err
		}
		exes = append(exes, exe)
	}
	return exes, nil
}

// InsertTaskUpdates stores updates, skipping any already stored with the same task id, timestamp and state.
func (q *Queries) InsertTaskUpdates(ctx *scalecontext.Context, updates []*schedulerobjects.TaskUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := q.clock.Now().UnixNano()
	rows := make([]interface{}, 0, len(updates))
	for _, u := range updates {
		exeID, _, _, _ := schedulerobjects.ParseTaskID(u.TaskID)
		outputs, err := marshal(u.Outputs)
		if err != nil {
			return err
		}
		row := taskUpdateRow{
			ID:      util.NewULID(),
			TaskID:  u.TaskID,
			ExeID:   exeID,
			AgentID: u.AgentID,
			State:   string(u.State),
			Ts:      u.Timestamp.UnixNano(),
			Reason:  u.Reason,
			Message: u.Message,
			Source:  u.Source,
			Outputs: outputs,
			Created: now,
		}
		if u.ExitCode != nil {
			row.ExitCode = sql.NullInt64{Int64: int64(*u.ExitCode), Valid: true}
		}
		rows = append(rows, row)
	}
	_, err := q.db.Insert(taskUpdateTable).Rows(rows...).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

// TaskUpdatesForExecution returns the stored updates of every task of an execution, oldest first.
func (q *Queries) TaskUpdatesForExecution(ctx *scalecontext.Context, exeID string) ([]*schedulerobjects.TaskUpdate, error) {
	var rows []taskUpdateRow
	err := q.db.From(taskUpdateTable).
		Where(goqu.C("exe_id").Eq(exeID)).
		Order(goqu.C("ts").Asc(), goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	updates := make([]*schedulerobjects.TaskUpdate, 0, len(rows))
	for _, row := range rows {
		u, err := row.toTaskUpdate()
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// LatestTaskUpdates returns, for each execution, its most recent stored update.
func (q *Queries) LatestTaskUpdates(ctx *scalecontext.Context, exeIDs []string) (map[string]*schedulerobjects.TaskUpdate, error) {
	result := make(map[string]*schedulerobjects.TaskUpdate, len(exeIDs))
	for _, exeID := range exeIDs {
		updates, err := q.TaskUpdatesForExecution(ctx, exeID)
		if err != nil {
			return nil, err
		}
		if len(updates) > 0 {
			result[exeID] = updates[len(updates)-1]
		}
	}
	return result, nil
}

// InsertJobOutputs records output files of a job, ignoring paths already recorded.
func (q *Queries) InsertJobOutputs(ctx *scalecontext.Context, outputs []*JobOutput) error {
	if len(outputs) == 0 {
		return nil
	}
	now := q.clock.Now().UnixNano()
	rows := make([]interface{}, len(outputs))
	for i, o := range outputs {
		rows[i] = goqu.Record{
			"job_id":    o.JobID,
			"path":      o.Path,
			"exe_id":    o.ExeID,
			"workspace": o.Workspace,
			"created":   now,
		}
	}
	_, err := q.db.Insert(jobOutputTable).Rows(rows...).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (q *Queries) JobOutputs(ctx *scalecontext.Context, jobID int64) ([]*JobOutput, error) {
	var rows []struct {
		JobID     int64  `db:"job_id"`
		Path      string `db:"path"`
		ExeID     string `db:"exe_id"`
		Workspace string `db:"workspace"`
		Created   int64  `db:"created"`
	}
	err := q.db.From(jobOutputTable).
		Where(goqu.C("job_id").Eq(jobID)).
		Order(goqu.C("path").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outputs := make([]*JobOutput, len(rows))
	for i, row := range rows {
		outputs[i] = &JobOutput{
			JobID:     row.JobID,
			Path:      row.Path,
			ExeID:     row.ExeID,
			Workspace: row.Workspace,
			Created:   fromNanos(row.Created),
		}
	}
	return outputs, nil
}
