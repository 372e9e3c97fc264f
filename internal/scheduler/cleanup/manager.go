// Package cleanup tears down the workspaces of finished executions on the agents they ran on.
package cleanup

import (
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	"github.com/ngageoint/scale/internal/scheduler/messages"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const (
	cleanupCommand = "scale_cleanup"
	// Completed executions remembered so that a redelivered cleanup_job_exe is not run twice.
	completedCacheSize = 10000
)

type Config struct {
	// Resources drawn from the agent's offers for each cleanup task.
	Resources   resources.Vector
	MaxFailures int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// TaskTimeout is how long a cleanup task may go without a terminal update before it is killed and counted as
	// failed.
	TaskTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Resources:   resources.Vector{resources.CPUs: 0.1, resources.Mem: 32},
		MaxFailures: 5,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		TaskTimeout: 10 * time.Minute,
	}
}

var (
	cleanupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_cleanups_total",
		Help: "Number of cleanup tasks that ended, by outcome",
	}, []string{"outcome"})
	cleanupQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_scheduler_cleanup_queue_length",
		Help: "Number of executions waiting for cleanup across all agents",
	})
	operatorAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_operator_alerts_total",
		Help: "Number of conditions raised that need an operator",
	}, []string{"reason"})
)

type item struct {
	exe       *schedulerobjects.JobExecution
	failures  int
	notBefore time.Time
}

// agentQueue is the FIFO of one agent. Only its head can be in flight.
type agentQueue struct {
	items    []*item
	inFlight *schedulerobjects.Task
}

// Manager runs at most one cleanup task per agent at a time, in the order executions finished.
type Manager struct {
	config    Config
	ledger    *offers.Ledger
	adapter   cluster.Adapter
	registry  *registry.Registry
	publisher messaging.Publisher
	isLeader  func() bool
	clock     clock.Clock

	mu        sync.Mutex
	agents    map[string]*agentQueue
	completed *lru.Cache
}

func NewManager(
	config Config,
	ledger *offers.Ledger,
	adapter cluster.Adapter,
	registry *registry.Registry,
	publisher messaging.Publisher,
	isLeader func() bool,
	clock clock.Clock,
) (*Manager, error) {
	completed, err := lru.New(completedCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Manager{
		config:    config,
		ledger:    ledger,
		adapter:   adapter,
		registry:  registry,
		publisher: publisher,
		isLeader:  isLeader,
		clock:     clock,
		agents:    map[string]*agentQueue{},
		completed: completed,
	}, nil
}

// Add queues an execution for cleanup on its agent. Executions already queued or cleaned up are ignored.
func (m *Manager) Add(exe *schedulerobjects.JobExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed.Contains(exe.ID) {
		return
	}
	q, ok := m.agents[exe.AgentID]
	if !ok {
		q = &agentQueue{}
		m.agents[exe.AgentID] = q
	}
	for _, it := range q.items {
		if it.exe.ID == exe.ID {
			return
		}
	}
	q.items = append(q.items, &item{exe: exe.DeepCopy()})
	m.updateQueueLength()
}

// Pending returns the ids of the executions waiting for cleanup on an agent, head first.
func (m *Manager) Pending(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	ids := make([]string, len(q.items))
	for i, it := range q.items {
		ids[i] = it.exe.ID
	}
	return ids
}

// InFlight returns the cleanup task running on an agent, if any.
func (m *Manager) InFlight(agentID string) (*schedulerobjects.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.agents[agentID]
	if !ok || q.inFlight == nil {
		return nil, false
	}
	return q.inFlight.DeepCopy(), true
}

// RemoveAgent drops everything queued for an agent that left the cluster.
func (m *Manager) RemoveAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.agents[agentID]; ok && q.inFlight != nil {
		m.ledger.TaskEnded(q.inFlight.ID)
	}
	delete(m.agents, agentID)
	m.updateQueueLength()
}

type launch struct {
	task *schedulerobjects.Task
	draw *offers.Draw
}

// Tick launches the next cleanup on every idle agent whose head is due and kills cleanups that have gone silent.
func (m *Manager) Tick(ctx *scalecontext.Context) error {
	now := m.clock.Now()
	var launches []launch
	var stale []*schedulerobjects.Task

	m.mu.Lock()
	agentIDs := maps.Keys(m.agents)
	slices.Sort(agentIDs)
	for _, agentID := range agentIDs {
		q := m.agents[agentID]
		if q.inFlight != nil {
			if !q.inFlight.LaunchedAt.IsZero() && now.Sub(q.inFlight.LaunchedAt) >= m.config.TaskTimeout {
				stale = append(stale, q.inFlight)
			}
			continue
		}
		if len(q.items) == 0 || now.Before(q.items[0].notBefore) {
			continue
		}
		draw, err := m.ledger.Draw(agentID, m.config.Resources)
		if err != nil {
			continue
		}
		task := m.buildTask(q.items[0])
		q.inFlight = task
		launches = append(launches, launch{task: task, draw: draw})
	}
	m.mu.Unlock()

	for _, l := range launches {
		m.launch(ctx, l)
	}
	for _, task := range stale {
		ctx.Log.Warnf("cleanup task %s has not finished after %s", task.ID, m.config.TaskTimeout)
		m.kill(ctx, task)
		m.finish(ctx, task.AgentID, task.ID, false)
	}
	return nil
}

func (m *Manager) buildTask(it *item) *schedulerobjects.Task {
	exe := it.exe
	names := maps.Keys(exe.Workspaces)
	slices.Sort(names)
	workspaces := ""
	for i, name := range names {
		if i > 0 {
			workspaces += ","
		}
		workspaces += name + ":" + string(exe.Workspaces[name])
	}
	return &schedulerobjects.Task{
		ID:        schedulerobjects.TaskID(exe.ID, schedulerobjects.TaskCleanup, it.failures+1),
		ExeID:     exe.ID,
		Type:      schedulerobjects.TaskCleanup,
		Attempt:   it.failures + 1,
		AgentID:   exe.AgentID,
		Hostname:  exe.Hostname,
		Resources: m.config.Resources.DeepCopy(),
		Command:   cleanupCommand,
		Env: map[string]string{
			"SCALE_JOB_ID":     strconv.FormatInt(exe.JobID, 10),
			"SCALE_EXE_ID":     exe.ID,
			"SCALE_TASK_TYPE":  string(schedulerobjects.TaskCleanup),
			"SCALE_WORKSPACES": workspaces,
		},
		State: schedulerobjects.TaskStaging,
	}
}

func (m *Manager) launch(ctx *scalecontext.Context, l launch) {
	var err error
	if !m.isLeader() {
		err = errors.New("leadership lost")
	} else {
		err = m.adapter.Launch(ctx, l.draw.AgentID, []*schedulerobjects.Task{l.task}, l.draw.OfferIDs())
	}
	if err != nil {
		m.ledger.Release(l.draw)
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to launch cleanup task %s", l.task.ID)
		m.mu.Lock()
		if q, ok := m.agents[l.draw.AgentID]; ok && q.inFlight == l.task {
			q.inFlight = nil
		}
		m.mu.Unlock()
		return
	}
	if m.adapter.PartialAccept() {
		m.ledger.ReturnUnused(l.draw)
	} else {
		m.ledger.Commit(l.draw)
	}
	m.ledger.TaskLaunched(l.draw.AgentID, l.task.ID, l.task.Resources)
	m.mu.Lock()
	l.task.LaunchedAt = m.clock.Now()
	m.mu.Unlock()
	ctx.Log.Debugf("launched cleanup task %s", l.task.ID)
}

// HandleUpdate advances the agent queue that owns a cleanup task.
func (m *Manager) HandleUpdate(ctx *scalecontext.Context, u *schedulerobjects.TaskUpdate) {
	_, taskType, _, ok := schedulerobjects.ParseTaskID(u.TaskID)
	if !ok || taskType != schedulerobjects.TaskCleanup || !u.State.IsTerminal() {
		return
	}
	m.finish(ctx, u.AgentID, u.TaskID, u.State == schedulerobjects.TaskFinished)
}

// finish ends the in-flight cleanup of an agent. Success pops the head; failure schedules a retry with backoff and
// escalates once MaxFailures is reached.
func (m *Manager) finish(ctx *scalecontext.Context, agentID string, taskID string, succeeded bool) {
	m.mu.Lock()
	agentID, q, ok := m.owner(agentID, taskID)
	if !ok {
		m.mu.Unlock()
		return
	}
	q.inFlight = nil
	head := q.items[0]
	var failures int
	if succeeded {
		q.items = q.items[1:]
		m.completed.Add(head.exe.ID, struct{}{})
	} else {
		head.failures++
		head.notBefore = m.clock.Now().Add(m.backoff(head.failures))
		failures = head.failures
	}
	m.updateQueueLength()
	m.mu.Unlock()

	m.ledger.TaskEnded(taskID)
	node, known := m.registry.NodeByAgent(agentID)
	if succeeded {
		cleanupsTotal.WithLabelValues("succeeded").Inc()
		if known {
			m.registry.ClearNodeCondition(node.ID, schedulerobjects.NodeWarnCleanupFailed)
		}
		return
	}
	cleanupsTotal.WithLabelValues("failed").Inc()
	ctx.Log.Warnf("cleanup of execution %s on agent %s failed %d times", head.exe.ID, agentID, failures)
	if !known {
		return
	}
	m.registry.AddNodeWarning(node.ID, schedulerobjects.NodeWarnCleanupFailed, "cleanup task "+taskID+" failed")
	if failures != m.config.MaxFailures {
		return
	}
	m.registry.AddNodeError(node.ID, schedulerobjects.NodeErrorCleanup, "cleanup failed "+strconv.Itoa(failures)+" times")
	operatorAlertsTotal.WithLabelValues(scaleerrors.NameCleanupFailed).Inc()
	ctx.Log.Errorf("pausing node %s (%s): cleanup of execution %s failed %d times", node.ID, node.Hostname, head.exe.ID, failures)
	if err := m.publisher.Publish(ctx, messages.NewPauseNode(node.ID, scaleerrors.NameCleanupFailed)); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("failed to publish pause_node")
	}
}

// owner finds the queue whose in-flight task is taskID, trying agentID first.
func (m *Manager) owner(agentID string, taskID string) (string, *agentQueue, bool) {
	if q, ok := m.agents[agentID]; ok && q.inFlight != nil && q.inFlight.ID == taskID {
		return agentID, q, true
	}
	for id, q := range m.agents {
		if q.inFlight != nil && q.inFlight.ID == taskID {
			return id, q, true
		}
	}
	return "", nil, false
}

// backoff is min(MaxBackoff, BaseBackoff * 2^(failures-1)).
func (m *Manager) backoff(failures int) time.Duration {
	d := m.config.BaseBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.config.MaxBackoff {
			return m.config.MaxBackoff
		}
	}
	if d > m.config.MaxBackoff {
		return m.config.MaxBackoff
	}
	return d
}

func (m *Manager) kill(ctx *scalecontext.Context, task *schedulerobjects.Task) {
	if !m.isLeader() {
		return
	}
	if err := m.adapter.Kill(ctx, cluster.TaskRef{TaskID: task.ID, AgentID: task.AgentID}); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to kill cleanup task %s", task.ID)
	}
}

func (m *Manager) updateQueueLength() {
	n := 0
	for _, q := range m.agents {
		n += len(q.items)
	}
	cleanupQueueLength.Set(float64(n))
}
