package cluster

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const fakeChannelSize = 10000

// LaunchCall records one call to FakeAdapter.Launch.
type LaunchCall struct {
	AgentID  string
	Tasks    []*schedulerobjects.Task
	OfferIDs []string
}

// FakeAdapter is an in-memory cluster. Tests drive it by adding offers and sending updates, and inspect the calls
// the scheduler made.
type FakeAdapter struct {
	mu            sync.Mutex
	clock         clock.PassiveClock
	offers        chan OfferEvent
	updates       chan *schedulerobjects.TaskUpdate
	partialAccept bool
	unavailable   bool
	launchErr     error
	dropLaunches  bool

	tasks      map[string]*schedulerobjects.Task
	launches   []LaunchCall
	declined   []string
	kills      []TaskRef
	reconciles [][]TaskRef
	acks       []string
}

func NewFakeAdapter(partialAccept bool, clock clock.PassiveClock) *FakeAdapter {
	return &FakeAdapter{
		clock:         clock,
		offers:        make(chan OfferEvent, fakeChannelSize),
		updates:       make(chan *schedulerobjects.TaskUpdate, fakeChannelSize),
		partialAccept: partialAccept,
		tasks:         map[string]*schedulerobjects.Task{},
	}
}

func (f *FakeAdapter) Run(ctx *scalecontext.Context) error {
	<-ctx.Done()
	return nil
}

func (f *FakeAdapter) Offers() <-chan OfferEvent {
	return f.offers
}

func (f *FakeAdapter) Updates() <-chan *schedulerobjects.TaskUpdate {
	return f.updates
}

func (f *FakeAdapter) PartialAccept() bool {
	return f.partialAccept
}

// SetUnavailable makes every outbound call fail with ErrUnavailable.
func (f *FakeAdapter) SetUnavailable(unavailable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = unavailable
}

// SetLaunchError makes Launch fail with err. Nil restores normal behaviour.
func (f *FakeAdapter) SetLaunchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr = err
}

// SetDropLaunches makes launches succeed without the cluster ever learning of the tasks, so no update arrives
// and reconciliation reports them lost.
func (f *FakeAdapter) SetDropLaunches(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLaunches = drop
}

// AddOffer announces an offer.
func (f *FakeAdapter) AddOffer(offer *offers.Offer) {
	o := offer.DeepCopy()
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = f.clock.Now()
	}
	f.offers <- OfferEvent{Offer: o}
}

func (f *FakeAdapter) RescindOffer(offerID string) {
	f.offers <- OfferEvent{RescindID: offerID}
}

// RemoveAgent announces that an agent left. Tasks on it are reported lost.
func (f *FakeAdapter) RemoveAgent(agentID string) {
	f.offers <- OfferEvent{RemovedAgentID: agentID}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.AgentID == agentID && !task.State.IsTerminal() {
			f.emit(task, schedulerobjects.TaskLost, schedulerobjects.ReasonAgentRemoved, nil)
		}
	}
}

// SendUpdate moves a launched task to state and emits the update.
func (f *FakeAdapter) SendUpdate(taskID string, state schedulerobjects.TaskState, outputs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		task = &schedulerobjects.Task{ID: taskID}
	}
	f.emit(task, state, "", outputs)
}

// Emit sends an arbitrary update.
func (f *FakeAdapter) Emit(update *schedulerobjects.TaskUpdate) {
	f.updates <- update.DeepCopy()
}

func (f *FakeAdapter) emit(task *schedulerobjects.Task, state schedulerobjects.TaskState, reason string, outputs []string) {
	task.State = state
	f.updates <- &schedulerobjects.TaskUpdate{
		TaskID:    task.ID,
		AgentID:   task.AgentID,
		State:     state,
		Timestamp: f.clock.Now(),
		Reason:    reason,
		Source:    "fake",
		Outputs:   outputs,
		AckID:     task.ID + "/" + string(state),
	}
}

func (f *FakeAdapter) Decline(_ *scalecontext.Context, offerIDs []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	f.declined = append(f.declined, offerIDs...)
	return nil
}

func (f *FakeAdapter) Launch(_ *scalecontext.Context, agentID string, tasks []*schedulerobjects.Task, offerIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	if f.launchErr != nil {
		return f.launchErr
	}
	call := LaunchCall{AgentID: agentID, OfferIDs: append([]string(nil), offerIDs...)}
	for _, task := range tasks {
		c := task.DeepCopy()
		c.AgentID = agentID
		c.State = schedulerobjects.TaskStaging
		call.Tasks = append(call.Tasks, c)
		if !f.dropLaunches {
			f.tasks[c.ID] = c.DeepCopy()
		}
	}
	f.launches = append(f.launches, call)
	return nil
}

func (f *FakeAdapter) Kill(_ *scalecontext.Context, ref TaskRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	f.kills = append(f.kills, ref)
	if task, ok := f.tasks[ref.TaskID]; ok && !task.State.IsTerminal() {
		f.emit(task, schedulerobjects.TaskKilled, "", nil)
	}
	return nil
}

func (f *FakeAdapter) Reconcile(_ *scalecontext.Context, refs []TaskRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	f.reconciles = append(f.reconciles, append([]TaskRef(nil), refs...))
	for _, ref := range refs {
		task, ok := f.tasks[ref.TaskID]
		if !ok {
			task = &schedulerobjects.Task{ID: ref.TaskID, AgentID: ref.AgentID, State: schedulerobjects.TaskLost}
		}
		f.emit(task, task.State, schedulerobjects.ReasonReconciliation, nil)
	}
	return nil
}

func (f *FakeAdapter) Acknowledge(_ *scalecontext.Context, update *schedulerobjects.TaskUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.WithStack(ErrUnavailable)
	}
	if update.AckID != "" {
		f.acks = append(f.acks, update.AckID)
	}
	return nil
}

func (f *FakeAdapter) Launches() []LaunchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchCall(nil), f.launches...)
}

// LaunchedTasks returns every launched task in launch order.
func (f *FakeAdapter) LaunchedTasks() []*schedulerobjects.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []*schedulerobjects.Task
	for _, call := range f.launches {
		tasks = append(tasks, call.Tasks...)
	}
	return tasks
}

func (f *FakeAdapter) Declined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.declined...)
}

func (f *FakeAdapter) Kills() []TaskRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TaskRef(nil), f.kills...)
}

func (f *FakeAdapter) Reconciles() [][]TaskRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]TaskRef(nil), f.reconciles...)
}

func (f *FakeAdapter) Acks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

// PendingOfferEvents drains the offer channel without blocking.
func (f *FakeAdapter) PendingOfferEvents() []OfferEvent {
	var events []OfferEvent
	for {
		select {
		case e := <-f.offers:
			events = append(events, e)
		default:
			return events
		}
	}
}

// PendingUpdates drains the update channel without blocking.
func (f *FakeAdapter) PendingUpdates() []*schedulerobjects.TaskUpdate {
	var updates []*schedulerobjects.TaskUpdate
	for {
		select {
		case u := <-f.updates:
			updates = append(updates, u)
		default:
			return updates
		}
	}
}
