// Package cluster defines the scheduler's boundary with the cluster master: the offers and status updates it
// receives and the launch, kill, decline and reconcile calls it makes.
package cluster

import (
	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// ErrUnavailable is returned when the cluster master cannot be reached. Callers retry; nothing has been launched.
var ErrUnavailable = errors.New("cluster adapter unavailable")

// IsUnavailable reports whether err means the call never reached the cluster.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// OfferEvent is one change to the set of offers. Exactly one field is set.
type OfferEvent struct {
	// Offer is a new offer.
	Offer *offers.Offer
	// RescindID is an offer withdrawn by the cluster.
	RescindID string
	// RemovedAgentID is an agent that left the cluster together with all its offers.
	RemovedAgentID string
}

// TaskRef identifies a task to the cluster.
type TaskRef struct {
	TaskID  string
	AgentID string
}

// Adapter is the capability set the scheduler needs from a cluster master.
type Adapter interface {
	// Run connects to the cluster and feeds Offers and Updates until ctx is cancelled.
	Run(ctx *scalecontext.Context) error
	Offers() <-chan OfferEvent
	Updates() <-chan *schedulerobjects.TaskUpdate
	// Decline hands offers back to the cluster.
	Decline(ctx *scalecontext.Context, offerIDs []string, reason string) error
	// Launch starts tasks on an agent using the given offers.
	Launch(ctx *scalecontext.Context, agentID string, tasks []*schedulerobjects.Task, offerIDs []string) error
	Kill(ctx *scalecontext.Context, task TaskRef) error
	// Reconcile asks the cluster to resend the latest state of each task.
	Reconcile(ctx *scalecontext.Context, tasks []TaskRef) error
	// Acknowledge confirms an update was persisted so the cluster stops resending it.
	Acknowledge(ctx *scalecontext.Context, update *schedulerobjects.TaskUpdate) error
	// PartialAccept reports whether the unused part of an accepted offer stays with the scheduler. If false, the
	// cluster re-offers it.
	PartialAccept() bool
}
