package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const (
	schedulerTable  = "scheduler"
	nodeTable       = "node"
	workspaceTable  = "workspace"
	jobTypeTable    = "job_type"
	jobTable        = "job"
	jobExeTable     = "job_exe"
	taskUpdateTable = "task_update"
	jobOutputTable  = "job_output"
	messageTable    = "message"
	deadLetterTable = "dead_letter"
)

type schedulerRow struct {
	Name     string `db:"name"`
	IsPaused bool   `db:"is_paused"`
}

type nodeRow struct {
	ID             string `db:"id"`
	AgentID        string `db:"agent_id"`
	Hostname       string `db:"hostname"`
	Port           int    `db:"port"`
	IsActive       bool   `db:"is_active"`
	IsPaused       bool   `db:"is_paused"`
	IsPausedErrors bool   `db:"is_paused_errors"`
	PauseReason    string `db:"pause_reason"`
	LastSeen       int64  `db:"last_seen"`
	Created        int64  `db:"created"`
}

func nodeToRow(n *schedulerobjects.Node) nodeRow {
	return nodeRow{
		ID:             n.ID,
		AgentID:        n.AgentID,
		Hostname:       n.Hostname,
		Port:           n.Port,
		IsActive:       n.IsActive,
		IsPaused:       n.IsPaused,
		IsPausedErrors: n.IsPausedErrors,
		PauseReason:    n.PauseReason,
		LastSeen:       toNanos(n.LastSeen),
		Created:        toNanos(n.Created),
	}
}

func (r nodeRow) toNode() *schedulerobjects.Node {
	return &schedulerobjects.Node{
		ID:             r.ID,
		AgentID:        r.AgentID,
		Hostname:       r.Hostname,
		Port:           r.Port,
		IsActive:       r.IsActive,
		IsPaused:       r.IsPaused,
		IsPausedErrors: r.IsPausedErrors,
		PauseReason:    r.PauseReason,
		LastSeen:       fromNanos(r.LastSeen),
		Created:        fromNanos(r.Created),
	}
}

type workspaceRow struct {
	Name     string `db:"name"`
	Title    string `db:"title"`
	IsActive bool   `db:"is_active"`
	Broker   string `db:"broker"`
}

func workspaceToRow(w *schedulerobjects.Workspace) (workspaceRow, error) {
	broker, err := marshal(w.Broker)
	if err != nil {
		return workspaceRow{}, err
	}
	return workspaceRow{Name: w.Name, Title: w.Title, IsActive: w.IsActive, Broker: broker}, nil
}

func (r workspaceRow) toWorkspace() (*schedulerobjects.Workspace, error) {
	w := &schedulerobjects.Workspace{Name: r.Name, Title: r.Title, IsActive: r.IsActive}
	if err := unmarshal(r.Broker, &w.Broker); err != nil {
		return nil, errors.WithMessagef(err, "workspace %s", r.Name)
	}
	return w, nil
}

type jobTypeRow struct {
	Name           string `db:"name"`
	Version        string `db:"version"`
	Image          string `db:"image"`
	Command        string `db:"command"`
	Env            string `db:"env"`
	Resources      string `db:"resources"`
	Priority       int    `db:"priority"`
	MaxTries       int    `db:"max_tries"`
	MaxScheduled   int    `db:"max_scheduled"`
	IsPaused       bool   `db:"is_paused"`
	Timeouts       string `db:"timeouts"`
	UnmetResources string `db:"unmet_resources"`
}

func jobTypeToRow(jt *schedulerobjects.JobType) (jobTypeRow, error) {
	env, err := marshal(jt.Env)
	if err != nil {
		return jobTypeRow{}, err
	}
	res, err := marshal(jt.Resources)
	if err != nil {
		return jobTypeRow{}, err
	}
	timeouts := make(map[schedulerobjects.TaskType]string, len(jt.Timeouts))
	for taskType, d := range jt.Timeouts {
		timeouts[taskType] = d.String()
	}
	encodedTimeouts, err := marshal(timeouts)
	if err != nil {
		return jobTypeRow{}, err
	}
	return jobTypeRow{
		Name:           jt.Name,
		Version:        jt.Version,
		Image:          jt.Image,
		Command:        jt.Command,
		Env:            env,
		Resources:      res,
		Priority:       jt.Priority,
		MaxTries:       jt.MaxTries,
		MaxScheduled:   jt.MaxScheduled,
		IsPaused:       jt.IsPaused,
		Timeouts:       encodedTimeouts,
		UnmetResources: jt.UnmetResources,
	}, nil
}

func (r jobTypeRow) toJobType() (*schedulerobjects.JobType, error) {
	jt := &schedulerobjects.JobType{
		Name:           r.Name,
		Version:        r.Version,
		Image:          r.Image,
		Command:        r.Command,
		Priority:       r.Priority,
		MaxTries:       r.MaxTries,
		MaxScheduled:   r.MaxScheduled,
		IsPaused:       r.IsPaused,
		UnmetResources: r.UnmetResources,
	}
	if err := unmarshal(r.Env, &jt.Env); err != nil {
		return nil, errors.WithMessagef(err, "job type %s env", r.Name)
	}
	var res map[string]float64
	if err := unmarshal(r.Resources, &res); err != nil {
		return nil, errors.WithMessagef(err, "job type %s resources", r.Name)
	}
	jt.Resources = resources.New(res)
	var timeouts map[schedulerobjects.TaskType]string
	if err := unmarshal(r.Timeouts, &timeouts); err != nil {
		return nil, errors.WithMessagef(err, "job type %s timeouts", r.Name)
	}
	if len(timeouts) > 0 {
		jt.Timeouts = make(map[schedulerobjects.TaskType]time.Duration, len(timeouts))
		for taskType, s := range timeouts {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, errors.Wrapf(err, "job type %s timeout for %s", r.Name, taskType)
			}
			jt.Timeouts[taskType] = d
		}
	}
	return jt, nil
}

type jobRow struct {
	ID            int64  `db:"id"`
	JobType       string `db:"job_type"`
	Priority      int    `db:"priority"`
	Status        string `db:"status"`
	InputFiles    string `db:"input_files"`
	NodeAffinity  string `db:"node_affinity"`
	NodeID        string `db:"node_id"`
	Resources     string `db:"resources"`
	Workspaces    string `db:"workspaces"`
	MaxTries      int    `db:"max_tries"`
	Tries         int    `db:"tries"`
	Superseded    bool   `db:"superseded"`
	ErrorName     string `db:"error_name"`
	BlockedReason string `db:"blocked_reason"`
	QueuedAt      int64  `db:"queued_at"`
	Created       int64  `db:"created"`
	LastModified  int64  `db:"last_modified"`
}

func jobToRow(j *schedulerobjects.Job) (jobRow, error) {
	inputs, err := marshal(j.InputFiles)
	if err != nil {
		return jobRow{}, err
	}
	res, err := marshal(j.Resources)
	if err != nil {
		return jobRow{}, err
	}
	workspaces, err := marshal(j.Workspaces)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		ID:            j.ID,
		JobType:       j.JobType,
		Priority:      j.Priority,
		Status:        string(j.Status),
		InputFiles:    inputs,
		NodeAffinity:  j.NodeAffinity,
		NodeID:        j.NodeID,
		Resources:     res,
		Workspaces:    workspaces,
		MaxTries:      j.MaxTries,
		Tries:         j.Tries,
		Superseded:    j.Superseded,
		ErrorName:     j.ErrorName,
		BlockedReason: j.BlockedReason,
		QueuedAt:      toNanos(j.QueuedAt),
		Created:       toNanos(j.Created),
		LastModified:  toNanos(j.LastModified),
	}, nil
}

func (r jobRow) toJob() (*schedulerobjects.Job, error) {
	j := &schedulerobjects.Job{
		ID:            r.ID,
		JobType:       r.JobType,
		Priority:      r.Priority,
		Status:        schedulerobjects.JobStatus(r.Status),
		NodeAffinity:  r.NodeAffinity,
		NodeID:        r.NodeID,
		MaxTries:      r.MaxTries,
		Tries:         r.Tries,
		Superseded:    r.Superseded,
		ErrorName:     r.ErrorName,
		BlockedReason: r.BlockedReason,
		QueuedAt:      fromNanos(r.QueuedAt),
		Created:       fromNanos(r.Created),
		LastModified:  fromNanos(r.LastModified),
	}
	if err := unmarshal(r.InputFiles, &j.InputFiles); err != nil {
		return nil, errors.WithMessagef(err, "job %d input files", r.ID)
	}
	var res map[string]float64
	if err := unmarshal(r.Resources, &res); err != nil {
		return nil, errors.WithMessagef(err, "job %d resources", r.ID)
	}
	j.Resources = resources.New(res)
	if err := unmarshal(r.Workspaces, &j.Workspaces); err != nil {
		return nil, errors.WithMessagef(err, "job %d workspaces", r.ID)
	}
	return j, nil
}

type jobExeRow struct {
	ID         string `db:"id"`
	JobID      int64  `db:"job_id"`
	JobType    string `db:"job_type"`
	Attempt    int    `db:"attempt"`
	NodeID     string `db:"node_id"`
	AgentID    string `db:"agent_id"`
	Hostname   string `db:"hostname"`
	Resources  string `db:"resources"`
	Workspaces string `db:"workspaces"`
	Status     string `db:"status"`
	ErrorName  string `db:"error_name"`
	Outputs    string `db:"outputs"`
	Started    int64  `db:"started"`
	Ended      int64  `db:"ended"`
}

func exeToRow(e *schedulerobjects.JobExecution) (jobExeRow, error) {
	res, err := marshal(e.Resources)
	if err != nil {
		return jobExeRow{}, err
	}
	workspaces, err := marshal(e.Workspaces)
	if err != nil {
		return jobExeRow{}, err
	}
	outputs, err := marshal(e.Outputs)
	if err != nil {
		return jobExeRow{}, err
	}
	return jobExeRow{
		ID:         e.ID,
		JobID:      e.JobID,
		JobType:    e.JobType,
		Attempt:    e.Attempt,
		NodeID:     e.NodeID,
		AgentID:    e.AgentID,
		Hostname:   e.Hostname,
		Resources:  res,
		Workspaces: workspaces,
		Status:     string(e.Status),
		ErrorName:  e.ErrorName,
		Outputs:    outputs,
		Started:    toNanos(e.Started),
		Ended:      toNanos(e.Ended),
	}, nil
}

func (r jobExeRow) toExecution() (*schedulerobjects.JobExecution, error) {
	e := &schedulerobjects.JobExecution{
		ID:        r.ID,
		JobID:     r.JobID,
		JobType:   r.JobType,
		Attempt:   r.Attempt,
		NodeID:    r.NodeID,
		AgentID:   r.AgentID,
		Hostname:  r.Hostname,
		Status:    schedulerobjects.ExecutionStatus(r.Status),
		ErrorName: r.ErrorName,
		Started:   fromNanos(r.Started),
		Ended:     fromNanos(r.Ended),
	}
	var res map[string]float64
	if err := unmarshal(r.Resources, &res); err != nil {
		return nil, errors.WithMessagef(err, "execution %s resources", r.ID)
	}
	e.Resources = resources.New(res)
	if err := unmarshal(r.Workspaces, &e.Workspaces); err != nil {
		return nil, errors.WithMessagef(err, "execution %s workspaces", r.ID)
	}
	if err := unmarshal(r.Outputs, &e.Outputs); err != nil {
		return nil, errors.WithMessagef(err, "execution %s outputs", r.ID)
	}
	return e, nil
}

type taskUpdateRow struct {
	ID       string        `db:"id"`
	TaskID   string        `db:"task_id"`
	ExeID    string        `db:"exe_id"`
	AgentID  string        `db:"agent_id"`
	State    string        `db:"state"`
	Ts       int64         `db:"ts"`
	Reason   string        `db:"reason"`
	Message  string        `db:"message"`
	Source   string        `db:"source"`
	ExitCode sql.NullInt64 `db:"exit_code"`
	Outputs  string        `db:"outputs"`
	Created  int64         `db:"created"`
}

func (r taskUpdateRow) toTaskUpdate() (*schedulerobjects.TaskUpdate, error) {
	u := &schedulerobjects.TaskUpdate{
		TaskID:    r.TaskID,
		AgentID:   r.AgentID,
		State:     schedulerobjects.TaskState(r.State),
		Timestamp: fromNanos(r.Ts),
		Reason:    r.Reason,
		Message:   r.Message,
		Source:    r.Source,
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		u.ExitCode = &code
	}
	if err := unmarshal(r.Outputs, &u.Outputs); err != nil {
		return nil, errors.WithMessagef(err, "task update %s outputs", r.ID)
	}
	return u, nil
}

// JobOutput is a file produced by a job execution and stored in the job's output workspace.
type JobOutput struct {
	JobID     int64
	Path      string
	ExeID     string
	Workspace string
	Created   time.Time
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

func unmarshal(s string, v interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	return errors.WithStack(json.Unmarshal([]byte(s), v))
}
