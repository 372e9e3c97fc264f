package schedulerobjects

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type NodeState string

const (
	NodeDeprecated NodeState = "DEPRECATED"
	NodeOffline    NodeState = "OFFLINE"
	NodePaused     NodeState = "PAUSED"
	NodeDegraded   NodeState = "DEGRADED"
	NodeReady      NodeState = "READY"
)

// Node conditions. Errors make a node DEGRADED, warnings are informational.
const (
	NodeErrorBadDaemon    = "BAD_DAEMON"
	NodeErrorCleanup      = "CLEANUP"
	NodeErrorHealthFail   = "HEALTH_FAIL"
	NodeErrorLostTasks    = "LOST_TASKS"
	NodeWarnSlowCleanup   = "SLOW_CLEANUP"
	NodeWarnCleanupFailed = "CLEANUP_FAILURE"
)

// NodeCondition is an error or warning active on a node.
type NodeCondition struct {
	Name        string
	Description string
	Started     time.Time
	LastUpdated time.Time
}

// NodeConditions holds the active conditions of one node, keyed by name.
type NodeConditions struct {
	Errors   map[string]NodeCondition
	Warnings map[string]NodeCondition
}

func (c NodeConditions) DeepCopy() NodeConditions {
	return NodeConditions{Errors: maps.Clone(c.Errors), Warnings: maps.Clone(c.Warnings)}
}

func (c NodeConditions) ErrorNames() []string {
	names := maps.Keys(c.Errors)
	slices.Sort(names)
	return names
}

// Node is the durable record of a cluster agent.
type Node struct {
	ID       string
	AgentID  string
	Hostname string
	Port     int
	IsActive bool
	IsPaused bool
	// IsPausedErrors is set when the scheduler, rather than an operator, paused the node.
	IsPausedErrors bool
	PauseReason    string
	LastSeen       time.Time
	Created        time.Time
}

func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// State derives the scheduling state of a node. online reports whether the node has a live agent that has offered
// resources recently.
func (n *Node) State(online bool, conditions NodeConditions) NodeState {
	switch {
	case !n.IsActive:
		return NodeDeprecated
	case !online:
		return NodeOffline
	case n.IsPaused:
		return NodePaused
	case len(conditions.Errors) > 0:
		return NodeDegraded
	default:
		return NodeReady
	}
}
