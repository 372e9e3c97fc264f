package registry

import (
	"github.com/hashicorp/go-memdb"
	log "github.com/sirupsen/logrus"

	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Snapshot is a consistent read-only view of the registry. Objects it returns are copies.
type Snapshot struct {
	txn        *memdb.Txn
	conditions map[string]schedulerobjects.NodeConditions
}

func (s *Snapshot) first(table, index string, args ...interface{}) interface{} {
	obj, err := s.txn.First(table, index, args...)
	if err != nil {
		// Only possible with a schema mismatch.
		log.WithError(err).Errorf("registry lookup on %s.%s failed", table, index)
		return nil
	}
	return obj
}

func (s *Snapshot) all(table string) []interface{} {
	it, err := s.txn.Get(table, idIndex)
	if err != nil {
		log.WithError(err).Errorf("registry scan of %s failed", table)
		return nil
	}
	var result []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		result = append(result, obj)
	}
	return result
}

func (s *Snapshot) Node(nodeID string) (*schedulerobjects.Node, bool) {
	if obj := s.first(nodesTable, idIndex, nodeID); obj != nil {
		return obj.(*schedulerobjects.Node).DeepCopy(), true
	}
	return nil, false
}

func (s *Snapshot) NodeByHostname(hostname string) (*schedulerobjects.Node, bool) {
	if obj := s.first(nodesTable, hostnameIndex, hostname); obj != nil {
		return obj.(*schedulerobjects.Node).DeepCopy(), true
	}
	return nil, false
}

// NodeByAgent returns the node currently bound to agentID.
func (s *Snapshot) NodeByAgent(agentID string) (*schedulerobjects.Node, bool) {
	if agentID == "" {
		return nil, false
	}
	if obj := s.first(nodesTable, agentIndex, agentID); obj != nil {
		return obj.(*schedulerobjects.Node).DeepCopy(), true
	}
	return nil, false
}

// Nodes returns every node ordered by id.
func (s *Snapshot) Nodes() []*schedulerobjects.Node {
	objs := s.all(nodesTable)
	nodes := make([]*schedulerobjects.Node, len(objs))
	for i, obj := range objs {
		nodes[i] = obj.(*schedulerobjects.Node).DeepCopy()
	}
	return nodes
}

func (s *Snapshot) Workspace(name string) (*schedulerobjects.Workspace, bool) {
	if obj := s.first(workspacesTable, idIndex, name); obj != nil {
		return obj.(*schedulerobjects.Workspace).DeepCopy(), true
	}
	return nil, false
}

func (s *Snapshot) Workspaces() []*schedulerobjects.Workspace {
	objs := s.all(workspacesTable)
	workspaces := make([]*schedulerobjects.Workspace, len(objs))
	for i, obj := range objs {
		workspaces[i] = obj.(*schedulerobjects.Workspace).DeepCopy()
	}
	return workspaces
}

func (s *Snapshot) JobType(name string) (*schedulerobjects.JobType, bool) {
	if obj := s.first(jobTypesTable, idIndex, name); obj != nil {
		return obj.(*schedulerobjects.JobType).DeepCopy(), true
	}
	return nil, false
}

func (s *Snapshot) JobTypes() []*schedulerobjects.JobType {
	objs := s.all(jobTypesTable)
	jobTypes := make([]*schedulerobjects.JobType, len(objs))
	for i, obj := range objs {
		jobTypes[i] = obj.(*schedulerobjects.JobType).DeepCopy()
	}
	return jobTypes
}

func (s *Snapshot) SchedulerPaused() bool {
	if obj := s.first(schedulerTable, idIndex, schedulerobjects.SchedulerStateName); obj != nil {
		return obj.(*schedulerobjects.SchedulerState).IsPaused
	}
	return false
}

func (s *Snapshot) Conditions(nodeID string) schedulerobjects.NodeConditions {
	return s.conditions[nodeID]
}

// NodeState derives the state of a node. online is supplied by the caller from what the cluster reports.
func (s *Snapshot) NodeState(node *schedulerobjects.Node, online bool) schedulerobjects.NodeState {
	return node.State(online, s.conditions[node.ID])
}
