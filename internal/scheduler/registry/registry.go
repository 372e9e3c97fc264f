// Package registry holds the scheduler's in-memory copies of nodes, workspaces, job types and the scheduler row.
// Each sync replaces the whole contents in one write transaction; readers work on consistent snapshots and never
// block it.
package registry

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Loader reads the registry contents from the database.
type Loader interface {
	LoadNodes(ctx *scalecontext.Context) ([]*schedulerobjects.Node, error)
	LoadWorkspaces(ctx *scalecontext.Context) ([]*schedulerobjects.Workspace, error)
	LoadJobTypes(ctx *scalecontext.Context) ([]*schedulerobjects.JobType, error)
	LoadSchedulerState(ctx *scalecontext.Context) (*schedulerobjects.SchedulerState, error)
}

var (
	registrySyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_registry_syncs_total",
		Help: "Number of completed registry syncs",
	})
	registeredNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_scheduler_registry_nodes",
		Help: "Number of nodes in the registry",
	})
)

type Registry struct {
	db    *memdb.MemDB
	clock clock.PassiveClock

	// mu guards the in-memory only state below. It is never held while touching db.
	mu         sync.Mutex
	conditions map[string]schedulerobjects.NodeConditions
	// registering holds agents whose node has been created but not yet seen by a sync.
	registering map[string]time.Time
	syncs       int
}

func New(clock clock.PassiveClock) (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{
		db:          db,
		clock:       clock,
		conditions:  map[string]schedulerobjects.NodeConditions{},
		registering: map[string]time.Time{},
	}, nil
}

// Sync replaces the registry contents with what loader returns.
func (r *Registry) Sync(ctx *scalecontext.Context, loader Loader) error {
	nodes, err := loader.LoadNodes(ctx)
	if err != nil {
		return err
	}
	workspaces, err := loader.LoadWorkspaces(ctx)
	if err != nil {
		return err
	}
	jobTypes, err := loader.LoadJobTypes(ctx)
	if err != nil {
		return err
	}
	state, err := loader.LoadSchedulerState(ctx)
	if err != nil {
		return err
	}
	if err := r.Replace(nodes, workspaces, jobTypes, state); err != nil {
		return err
	}
	ctx.Log.Debugf("registry synced %d nodes, %d workspaces and %d job types", len(nodes), len(workspaces), len(jobTypes))
	return nil
}

// Replace swaps in new contents in one transaction.
func (r *Registry) Replace(
	nodes []*schedulerobjects.Node,
	workspaces []*schedulerobjects.Workspace,
	jobTypes []*schedulerobjects.JobType,
	state *schedulerobjects.SchedulerState,
) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, table := range []string{nodesTable, workspacesTable, jobTypesTable, schedulerTable} {
		if _, err := txn.DeleteAll(table, idIndex); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, n := range nodes {
		if err := txn.Insert(nodesTable, n.DeepCopy()); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, w := range workspaces {
		if err := txn.Insert(workspacesTable, w.DeepCopy()); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, jt := range jobTypes {
		if err := txn.Insert(jobTypesTable, jt.DeepCopy()); err != nil {
			return errors.WithStack(err)
		}
	}
	if state == nil {
		state = &schedulerobjects.SchedulerState{}
	}
	s := *state
	s.Name = schedulerobjects.SchedulerStateName
	if err := txn.Insert(schedulerTable, &s); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		delete(r.registering, n.AgentID)
	}
	for nodeID := range r.conditions {
		if !containsNode(nodes, nodeID) {
			delete(r.conditions, nodeID)
		}
	}
	r.syncs++
	registrySyncs.Inc()
	registeredNodes.Set(float64(len(nodes)))
	return nil
}

func containsNode(nodes []*schedulerobjects.Node, nodeID string) bool {
	for _, n := range nodes {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

// Syncs returns the number of completed syncs.
func (r *Registry) Syncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncs
}

// Snapshot returns a consistent read-only view of the registry.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	conditions := make(map[string]schedulerobjects.NodeConditions, len(r.conditions))
	for id, c := range r.conditions {
		conditions[id] = c.DeepCopy()
	}
	r.mu.Unlock()
	return &Snapshot{txn: r.db.Txn(false), conditions: conditions}
}

// StartRegistering records that a node is being created for an agent. It returns false if the agent is already
// being registered, in which case the caller should not register it again.
func (r *Registry) StartRegistering(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registering[agentID]; ok {
		return false
	}
	r.registering[agentID] = r.clock.Now()
	return true
}

// AbandonRegistering forgets a registration that failed so it can be retried.
func (r *Registry) AbandonRegistering(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registering, agentID)
}

// AddNodeError raises an error condition on a node, which makes it DEGRADED.
func (r *Registry) AddNodeError(nodeID string, name string, description string) {
	r.addCondition(nodeID, name, description, true)
}

func (r *Registry) AddNodeWarning(nodeID string, name string, description string) {
	r.addCondition(nodeID, name, description, false)
}

func (r *Registry) addCondition(nodeID string, name string, description string, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	c := r.conditions[nodeID]
	target := &c.Warnings
	if isError {
		target = &c.Errors
	}
	if *target == nil {
		*target = map[string]schedulerobjects.NodeCondition{}
	}
	existing, ok := (*target)[name]
	started := now
	if ok {
		started = existing.Started
	}
	(*target)[name] = schedulerobjects.NodeCondition{Name: name, Description: description, Started: started, LastUpdated: now}
	r.conditions[nodeID] = c
}

// ClearNodeCondition removes an error or warning from a node.
func (r *Registry) ClearNodeCondition(nodeID string, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conditions[nodeID]
	if !ok {
		return
	}
	delete(c.Errors, name)
	delete(c.Warnings, name)
	r.conditions[nodeID] = c
}

func (r *Registry) Conditions(nodeID string) schedulerobjects.NodeConditions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conditions[nodeID].DeepCopy()
}

// UpsertNode applies a node change made by a handler without waiting for the next sync.
func (r *Registry) UpsertNode(node *schedulerobjects.Node) error {
	return r.upsert(nodesTable, node.DeepCopy())
}

func (r *Registry) UpsertJobType(jobType *schedulerobjects.JobType) error {
	return r.upsert(jobTypesTable, jobType.DeepCopy())
}

func (r *Registry) UpsertWorkspace(workspace *schedulerobjects.Workspace) error {
	return r.upsert(workspacesTable, workspace.DeepCopy())
}

func (r *Registry) SetSchedulerPaused(paused bool) error {
	return r.upsert(schedulerTable, &schedulerobjects.SchedulerState{Name: schedulerobjects.SchedulerStateName, IsPaused: paused})
}

func (r *Registry) upsert(table string, obj interface{}) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Node, NodeByHostname, NodeByAgent, Workspace and JobType are shorthands for a single lookup on a fresh snapshot.

func (r *Registry) Node(nodeID string) (*schedulerobjects.Node, bool) {
	return r.Snapshot().Node(nodeID)
}

func (r *Registry) NodeByHostname(hostname string) (*schedulerobjects.Node, bool) {
	return r.Snapshot().NodeByHostname(hostname)
}

func (r *Registry) NodeByAgent(agentID string) (*schedulerobjects.Node, bool) {
	return r.Snapshot().NodeByAgent(agentID)
}

func (r *Registry) Workspace(name string) (*schedulerobjects.Workspace, bool) {
	return r.Snapshot().Workspace(name)
}

func (r *Registry) JobType(name string) (*schedulerobjects.JobType, bool) {
	return r.Snapshot().JobType(name)
}

func (r *Registry) SchedulerPaused() bool {
	return r.Snapshot().SchedulerPaused()
}

// ConditionNodeIDs returns the ids of nodes that have any condition.
func (r *Registry) ConditionNodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Keys(r.conditions)
}
