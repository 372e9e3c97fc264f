package offers

import (
	"time"

	"github.com/ngageoint/scale/internal/scheduler/resources"
)

// Offer is a time-limited grant of a slice of an agent's resources.
type Offer struct {
	ID       string
	AgentID  string
	Hostname string
	// Port the agent listens on, if the cluster reports it.
	Port       int
	Resources  resources.Vector
	ReceivedAt time.Time
	// Generation counts the scheduling passes this offer has survived.
	Generation int
	// Residual offers hold the unused part of offers that were already accepted. They are never declined.
	Residual  bool
	ParentIDs []string
}

func (o *Offer) DeepCopy() *Offer {
	if o == nil {
		return nil
	}
	c := *o
	c.Resources = o.Resources.DeepCopy()
	c.ParentIDs = append([]string(nil), o.ParentIDs...)
	return &c
}

// ClusterIDs returns the ids the cluster knows this offer by.
func (o *Offer) ClusterIDs() []string {
	if o.Residual {
		return o.ParentIDs
	}
	return []string{o.ID}
}

// Draw is a set of offers removed from the ledger to satisfy Required on one agent.
type Draw struct {
	AgentID  string
	Offers   []*Offer
	Required resources.Vector
	// Remainder is sum(Offers) - Required.
	Remainder resources.Vector
}

// OfferIDs returns the cluster offer ids backing the draw, deduplicated, in draw order.
func (d *Draw) OfferIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, o := range d.Offers {
		for _, id := range o.ClusterIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Total is the sum of the drawn offers.
func (d *Draw) Total() resources.Vector {
	vectors := make([]resources.Vector, len(d.Offers))
	for i, o := range d.Offers {
		vectors[i] = o.Resources
	}
	return resources.Sum(vectors...)
}

// AgentSummary describes what the ledger knows about one agent.
type AgentSummary struct {
	AgentID  string
	Hostname string
	// Offered is the sum of live offers.
	Offered resources.Vector
	// Running is the sum of resources of launched tasks that have not yet terminated.
	Running resources.Vector
	// Watermark is the highest Offered+Running ever observed, our best estimate of the agent's capacity.
	Watermark resources.Vector
	// LastOfferAt is when the most recent offer for the agent arrived.
	LastOfferAt time.Time
}
