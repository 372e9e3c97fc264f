package launcher

import (
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Commands run by the tasks that wrap the job type's own command.
const (
	pullCommand      = "docker pull"
	preStepsCommand  = "scale_pre_steps"
	postStepsCommand = "scale_post_steps"
)

// Environment handed to every task.
const (
	EnvJobID      = "SCALE_JOB_ID"
	EnvExeID      = "SCALE_EXE_ID"
	EnvTaskType   = "SCALE_TASK_TYPE"
	EnvInputFiles = "SCALE_INPUT_FILES"
	EnvOutputDir  = "SCALE_OUTPUT_DIR"
	EnvWorkspaces = "SCALE_WORKSPACES"
)

// resolveFiles asks the brokers of the job's workspaces where its inputs are and where its outputs go.
func resolveFiles(
	ctx *scalecontext.Context,
	job *schedulerobjects.Job,
	exeID string,
	snapshot *registry.Snapshot,
	brokers *broker.Resolver,
) (inputs []string, outputDir string, err error) {
	byWorkspace := map[string][]string{}
	for _, f := range job.InputFiles {
		byWorkspace[f.Workspace] = append(byWorkspace[f.Workspace], f.Path)
	}
	names := maps.Keys(byWorkspace)
	slices.Sort(names)
	for _, name := range names {
		b, err := brokerFor(snapshot, brokers, name)
		if err != nil {
			return nil, "", err
		}
		paths, err := b.ResolveInputs(ctx, byWorkspace[name])
		if err != nil {
			return nil, "", err
		}
		inputs = append(inputs, paths...)
	}
	if name := job.OutputWorkspace(); name != "" {
		b, err := brokerFor(snapshot, brokers, name)
		if err != nil {
			return nil, "", err
		}
		outputDir = b.OutputDir(exeID)
	}
	return inputs, outputDir, nil
}

func brokerFor(snapshot *registry.Snapshot, brokers *broker.Resolver, name string) (broker.Broker, error) {
	w, ok := snapshot.Workspace(name)
	if !ok {
		return nil, scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameWorkspaceMissing, "workspace %s does not exist", name)
	}
	b, err := brokers.For(w)
	if err != nil {
		return nil, scaleerrors.New(scaleerrors.KindData, scaleerrors.NameWorkspaceMissing, err)
	}
	return b, nil
}

// buildTask creates the task of the given type for an execution.
func buildTask(e *execution, taskType schedulerobjects.TaskType, attempt int) *schedulerobjects.Task {
	exe := e.exe
	env := maps.Clone(e.jobType.Env)
	if env == nil {
		env = map[string]string{}
	}
	env[EnvJobID] = strconv.FormatInt(exe.JobID, 10)
	env[EnvExeID] = exe.ID
	env[EnvTaskType] = string(taskType)
	env[EnvInputFiles] = strings.Join(e.inputs, " ")
	env[EnvOutputDir] = e.outputDir
	env[EnvWorkspaces] = workspaceList(exe.Workspaces)

	task := &schedulerobjects.Task{
		ID:        schedulerobjects.TaskID(exe.ID, taskType, attempt),
		ExeID:     exe.ID,
		Type:      taskType,
		Attempt:   attempt,
		AgentID:   exe.AgentID,
		Hostname:  exe.Hostname,
		Resources: exe.Resources.DeepCopy(),
		Image:     e.jobType.Image,
		Env:       env,
		State:     schedulerobjects.TaskStaging,
	}
	switch taskType {
	case schedulerobjects.TaskPull:
		task.Command = pullCommand + " " + e.jobType.Image
	case schedulerobjects.TaskPre:
		task.Command = preStepsCommand
	case schedulerobjects.TaskMain:
		task.Command = expandCommand(e.jobType.Command, exe.JobID, e.inputs, e.outputDir)
	case schedulerobjects.TaskPost:
		task.Command = postStepsCommand
	}
	return task
}

// expandCommand fills in the placeholders a job type's command may use.
func expandCommand(command string, jobID int64, inputs []string, outputDir string) string {
	return strings.NewReplacer(
		"${INPUT_FILES}", strings.Join(inputs, " "),
		"${OUTPUT_DIR}", outputDir,
		"${JOB_ID}", strconv.FormatInt(jobID, 10),
	).Replace(command)
}

// workspaceList renders name:mode pairs sorted by name.
func workspaceList(workspaces map[string]schedulerobjects.WorkspaceMode) string {
	names := maps.Keys(workspaces)
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ":" + string(workspaces[name])
	}
	return strings.Join(parts, ",")
}
