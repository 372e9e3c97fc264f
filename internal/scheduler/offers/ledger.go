// Package offers implements the ledger of resource offers made by cluster agents.
package offers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/resources"
)

// Agents with more offers than this are drawn from oldest first instead of by exhaustive subset search.
const maxExhaustiveOffers = 12

// ErrInsufficientResources is returned by Draw when no subset of the agent's offers covers the request.
var ErrInsufficientResources = errors.New("insufficient offered resources")

var (
	offersRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_offers_recorded_total",
		Help: "Number of offers recorded in the ledger",
	})
	offersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_offers_expired_total",
		Help: "Number of offers dropped by age or generation",
	})
	offersDrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_offers_drawn_total",
		Help: "Number of offers drawn from the ledger",
	})
)

type agentState struct {
	hostname    string
	offers      map[string]*Offer
	tasks       map[string]resources.Vector
	watermark   resources.Vector
	lastOfferAt time.Time
	// recorded and drawn back the invariant that an agent never gives out more than it offered.
	recorded resources.Vector
	drawn    resources.Vector
}

func (a *agentState) offered() resources.Vector {
	vectors := make([]resources.Vector, 0, len(a.offers))
	for _, o := range a.offers {
		vectors = append(vectors, o.Resources)
	}
	return resources.Sum(vectors...)
}

func (a *agentState) running() resources.Vector {
	return resources.Sum(maps.Values(a.tasks)...)
}

func (a *agentState) updateWatermark() {
	a.watermark = resources.Max(a.watermark, a.offered().Add(a.running()))
}

// Ledger holds the live offers of every agent. All methods are safe for concurrent use and none of them perform I/O.
type Ledger struct {
	mu             sync.Mutex
	agents         map[string]*agentState
	offerAgent     map[string]string
	drawnOffers    map[string]bool
	ttl            time.Duration
	maxGenerations int
	residualSeq    int
	clock          clock.PassiveClock
}

func NewLedger(ttl time.Duration, maxGenerations int, clock clock.PassiveClock) *Ledger {
	return &Ledger{
		agents:         map[string]*agentState{},
		offerAgent:     map[string]string{},
		drawnOffers:    map[string]bool{},
		ttl:            ttl,
		maxGenerations: maxGenerations,
		clock:          clock,
	}
}

func (l *Ledger) agent(agentID string) *agentState {
	a, ok := l.agents[agentID]
	if !ok {
		a = &agentState{
			offers:    map[string]*Offer{},
			tasks:     map[string]resources.Vector{},
			watermark: resources.Vector{},
			recorded:  resources.Vector{},
			drawn:     resources.Vector{},
		}
		l.agents[agentID] = a
	}
	return a
}

// Record inserts a new offer with generation zero.
func (l *Ledger) Record(offer *Offer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, live := l.offerAgent[offer.ID]
	_, drawn := l.drawnOffers[offer.ID]
	if live || drawn {
		return errors.WithStack(&scaleerrors.ErrAlreadyExists{Type: "offer", Value: offer.ID, Message: "duplicate offer"})
	}
	o := offer.DeepCopy()
	o.Generation = 0
	o.Resources = resources.New(o.Resources)
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = l.clock.Now()
	}
	l.insert(o)
	a := l.agents[o.AgentID]
	a.recorded = a.recorded.Add(o.Resources)
	if o.ReceivedAt.After(a.lastOfferAt) {
		a.lastOfferAt = o.ReceivedAt
	}
	a.updateWatermark()
	offersRecorded.Inc()
	return nil
}

func (l *Ledger) insert(o *Offer) {
	a := l.agent(o.AgentID)
	if o.Hostname != "" {
		a.hostname = o.Hostname
	}
	a.offers[o.ID] = o
	l.offerAgent[o.ID] = o.AgentID
}

func (l *Ledger) remove(offerID string) *Offer {
	agentID, ok := l.offerAgent[offerID]
	if !ok {
		return nil
	}
	a := l.agents[agentID]
	o := a.offers[offerID]
	delete(a.offers, offerID)
	delete(l.offerAgent, offerID)
	return o
}

// Rescind removes one offer. It is a no-op if the offer is absent. An offer rescinded while drawn is not restored
// by Release.
func (l *Ledger) Rescind(offerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, drawn := l.drawnOffers[offerID]; drawn {
		l.drawnOffers[offerID] = false
		return
	}
	l.remove(offerID)
}

// Draw atomically removes a set of the agent's offers whose combined resources cover required. The smallest
// number of offers wins and, among equal counts, the oldest offers win.
func (l *Ledger) Draw(agentID string, required resources.Vector) (*Draw, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok || len(a.offers) == 0 {
		return nil, errors.Wrapf(ErrInsufficientResources, "agent %s has no offers", agentID)
	}
	candidates := sortedOffers(maps.Values(a.offers))
	chosen := chooseOffers(candidates, required)
	if chosen == nil {
		return nil, errors.Wrapf(ErrInsufficientResources, "agent %s cannot supply %s", agentID, required)
	}

	draw := &Draw{AgentID: agentID, Required: required.DeepCopy()}
	for _, o := range chosen {
		l.remove(o.ID)
		l.drawnOffers[o.ID] = true
		draw.Offers = append(draw.Offers, o)
	}
	total := draw.Total()
	draw.Remainder, _ = total.SubtractSaturating(required)
	a.drawn = a.drawn.Add(total)
	offersDrawn.Add(float64(len(chosen)))
	return draw, nil
}

// Release rolls a draw back, restoring its offers exactly as they were.
func (l *Ledger) Release(draw *Draw) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.agent(draw.AgentID)
	for _, o := range draw.Offers {
		live := l.drawnOffers[o.ID]
		delete(l.drawnOffers, o.ID)
		if live {
			l.insert(o)
		}
		a.drawn, _ = a.drawn.SubtractSaturating(o.Resources)
	}
}

// Commit finalises a draw whose offers were accepted by the cluster. The remainder goes back to the cluster.
func (l *Ledger) Commit(draw *Draw) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range draw.Offers {
		delete(l.drawnOffers, o.ID)
	}
}

// ReturnUnused finalises a draw and holds its remainder in the ledger as a residual offer on the same agent.
// It returns the residual offer, or nil if nothing was left over.
func (l *Ledger) ReturnUnused(draw *Draw) *Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range draw.Offers {
		delete(l.drawnOffers, o.ID)
	}
	if draw.Remainder.IsZero() {
		return nil
	}
	l.residualSeq++
	residual := &Offer{
		ID:         fmt.Sprintf("%s/residual-%d", draw.Offers[0].ID, l.residualSeq),
		AgentID:    draw.AgentID,
		Resources:  draw.Remainder.DeepCopy(),
		ReceivedAt: oldest(draw.Offers),
		Residual:   true,
	}
	for _, o := range draw.Offers {
		residual.ParentIDs = append(residual.ParentIDs, o.ClusterIDs()...)
	}
	l.insert(residual)
	a := l.agents[draw.AgentID]
	a.drawn, _ = a.drawn.SubtractSaturating(draw.Remainder)
	return residual.DeepCopy()
}

// AgeAndExpire increments every offer's generation and removes those older than the ttl or that have survived
// more than the maximum number of generations. The removed offers are returned so that they can be declined.
func (l *Ledger) AgeAndExpire(now time.Time) []*Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []*Offer
	for _, a := range l.agents {
		for _, o := range a.offers {
			o.Generation++
			if now.Sub(o.ReceivedAt) > l.ttl || o.Generation > l.maxGenerations {
				expired = append(expired, o)
			}
		}
	}
	for _, o := range expired {
		l.remove(o.ID)
	}
	offersExpired.Add(float64(len(expired)))
	return sortedOffers(expired)
}

// RemoveAgent drops every offer of an agent, returning them.
func (l *Ledger) RemoveAgent(agentID string) []*Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok {
		return nil
	}
	removed := sortedOffers(maps.Values(a.offers))
	for _, o := range removed {
		l.remove(o.ID)
	}
	delete(l.agents, agentID)
	return removed
}

// TaskLaunched records resources held by a running task on an agent.
func (l *Ledger) TaskLaunched(agentID string, taskID string, used resources.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.agent(agentID)
	a.tasks[taskID] = used.DeepCopy()
	a.updateWatermark()
}

// TaskEnded releases the resources recorded for a task. Unknown tasks are ignored.
func (l *Ledger) TaskEnded(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.agents {
		delete(a.tasks, taskID)
	}
}

// Available returns the sum of the agent's live offers.
func (l *Ledger) Available(agentID string) resources.Vector {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.agents[agentID]; ok {
		return a.offered()
	}
	return resources.Vector{}
}

// Summary returns what the ledger knows about one agent.
func (l *Ledger) Summary(agentID string) (AgentSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok {
		return AgentSummary{}, false
	}
	return summarise(agentID, a), true
}

// Agents returns a summary of every agent, sorted by agent id.
func (l *Ledger) Agents() []AgentSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := maps.Keys(l.agents)
	slices.Sort(ids)
	summaries := make([]AgentSummary, 0, len(ids))
	for _, id := range ids {
		summaries = append(summaries, summarise(id, l.agents[id]))
	}
	return summaries
}

// Totals returns everything ever recorded for an agent and everything currently given out.
func (l *Ledger) Totals(agentID string) (recorded resources.Vector, drawn resources.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.agents[agentID]; ok {
		return a.recorded.DeepCopy(), a.drawn.DeepCopy()
	}
	return resources.Vector{}, resources.Vector{}
}

// Snapshot returns a stable copy of every live offer ordered by agent, age and id.
func (l *Ledger) Snapshot() []*Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []*Offer
	for _, a := range l.agents {
		for _, o := range a.offers {
			all = append(all, o.DeepCopy())
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].AgentID != all[j].AgentID {
			return all[i].AgentID < all[j].AgentID
		}
		return offerLess(all[i], all[j])
	})
	return all
}

// Len returns the number of live offers.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.offerAgent)
}

func summarise(agentID string, a *agentState) AgentSummary {
	return AgentSummary{
		AgentID:     agentID,
		Hostname:    a.hostname,
		Offered:     a.offered(),
		Running:     a.running(),
		Watermark:   a.watermark.DeepCopy(),
		LastOfferAt: a.lastOfferAt,
	}
}

func offerLess(a, b *Offer) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func sortedOffers(offers []*Offer) []*Offer {
	sort.Slice(offers, func(i, j int) bool { return offerLess(offers[i], offers[j]) })
	return offers
}

func oldest(offers []*Offer) time.Time {
	t := offers[0].ReceivedAt
	for _, o := range offers[1:] {
		if o.ReceivedAt.Before(t) {
			t = o.ReceivedAt
		}
	}
	return t
}

// chooseOffers returns the first combination, by increasing size and then lexicographically over age-ordered
// candidates, whose sum covers required. Returns nil if even all candidates together are not enough.
func chooseOffers(candidates []*Offer, required resources.Vector) []*Offer {
	all := make([]resources.Vector, len(candidates))
	for i, o := range candidates {
		all[i] = o.Resources
	}
	if !required.FitsIn(resources.Sum(all...)) {
		return nil
	}
	if len(candidates) > maxExhaustiveOffers {
		var chosen []*Offer
		total := resources.Vector{}
		for _, o := range candidates {
			chosen = append(chosen, o)
			total = total.Add(o.Resources)
			if required.FitsIn(total) {
				return chosen
			}
		}
		return nil
	}
	for size := 1; size <= len(candidates); size++ {
		if chosen := firstCombination(candidates, size, required); chosen != nil {
			return chosen
		}
	}
	return nil
}

func firstCombination(candidates []*Offer, size int, required resources.Vector) []*Offer {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	n := len(candidates)
	for {
		total := resources.Vector{}
		for _, idx := range indices {
			total = total.Add(candidates[idx].Resources)
		}
		if required.FitsIn(total) {
			chosen := make([]*Offer, size)
			for i, idx := range indices {
				chosen[i] = candidates[idx]
			}
			return chosen
		}
		// Advance to the next combination in lexicographic order.
		i := size - 1
		for i >= 0 && indices[i] == n-size+i {
			i--
		}
		if i < 0 {
			return nil
		}
		indices[i]++
		for j := i + 1; j < size; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
}
