// Package matching binds queued jobs to offered resources.
package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/messages"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/resources"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Binding pairs a queued job with offers drawn from one agent.
type Binding struct {
	Entry   *queue.Entry
	JobType *schedulerobjects.JobType
	Node    *schedulerobjects.Node
	Draw    *offers.Draw
}

// PendingTask is a running execution whose next task is waiting for resources on its agent.
type PendingTask struct {
	ExeID     string
	JobType   string
	AgentID   string
	Resources resources.Vector
}

// RunningJob is the footprint of a live execution on its agent.
type RunningJob struct {
	AgentID   string
	Priority  int
	Resources resources.Vector
}

// Launcher takes bindings from the matcher. Accept and AcceptNext must not block on I/O.
type Launcher interface {
	PendingTasks() []PendingTask
	// RunningCounts returns the number of live executions per job type and per agent.
	RunningCounts() (byJobType map[string]int, byAgent map[string]int)
	RunningJobs() []RunningJob
	Accept(ctx *scalecontext.Context, binding *Binding) error
	AcceptNext(ctx *scalecontext.Context, exeID string, draw *offers.Draw) error
}

// Decliner hands expired offers back to the cluster.
type Decliner interface {
	Decline(ctx *scalecontext.Context, offerIDs []string, reason string) error
}

type Config struct {
	MaxBindingsPerPass int
	// MaxTasksPerNode caps live executions per agent. Zero means unlimited.
	MaxTasksPerNode int
	// StickyTTL is how long an agent stays the preferred agent of a job type after a binding.
	StickyTTL time.Duration
	// BlockAfterScans is how many consecutive passes a job may exceed every agent's capacity before it is blocked.
	BlockAfterScans int
	// PassFloor is the minimum time between the start of two passes.
	PassFloor   time.Duration
	SlowPassLog time.Duration
}

// PassResult summarises one matcher pass.
type PassResult struct {
	Bindings  int
	NextTasks int
	Blocked   []int64
	Failed    []int64
	Duration  time.Duration
}

var (
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scale_scheduler_matcher_pass_duration_seconds",
		Help:    "Duration of matcher passes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	bindingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_bindings_total",
		Help: "Number of jobs bound to offers",
	})
	blockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_scheduler_jobs_blocked_total",
		Help: "Number of jobs blocked because no agent can ever run them",
	})
	unmetResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scale_scheduler_job_type_unmet_resources",
		Help: "Set to 1 for job types with an unmet resource warning",
	}, []string{"job_type", "warning"})
)

// agentView is the matcher's per-pass picture of one agent.
type agentView struct {
	summary   offers.AgentSummary
	node      *schedulerobjects.Node
	ready     bool
	available resources.Vector
	// reserved agents are held for a job that could not fit this pass and take no new jobs.
	reserved  bool
	// committed lists the live and newly bound jobs on the agent.
	committed []RunningJob
}

// Matcher binds queued jobs to offers. Pass is not safe for concurrent use; Run calls it from a single goroutine.
type Matcher struct {
	config    Config
	ledger    *offers.Ledger
	queue     *queue.Queue
	registry  *registry.Registry
	launcher  Launcher
	publisher messaging.Publisher
	clock     clock.Clock

	// sticky maps a job type to the agent it was last bound to.
	sticky *cache.Cache
	// noCandidate counts consecutive passes in which a job exceeded every agent's capacity.
	noCandidate map[int64]int

	unmetMu sync.Mutex
	unmet   map[string]string

	beforePass func(ctx *scalecontext.Context)
}

func NewMatcher(
	config Config,
	ledger *offers.Ledger,
	q *queue.Queue,
	registry *registry.Registry,
	launcher Launcher,
	publisher messaging.Publisher,
	clock clock.Clock,
) *Matcher {
	if config.BlockAfterScans < 1 {
		config.BlockAfterScans = 2
	}
	if config.StickyTTL <= 0 {
		config.StickyTTL = 10 * time.Minute
	}
	return &Matcher{
		config:      config,
		ledger:      ledger,
		queue:       q,
		registry:    registry,
		launcher:    launcher,
		publisher:   publisher,
		clock:       clock,
		sticky:      cache.New(config.StickyTTL, config.StickyTTL),
		noCandidate: map[int64]int{},
		unmet:       map[string]string{},
	}
}

// BeforePass sets a function Run calls on its own goroutine before every pass. Work that puts entries in the queue
// belongs here so it cannot interleave with a binding.
func (m *Matcher) BeforePass(fn func(ctx *scalecontext.Context)) {
	m.beforePass = fn
}

// Run performs passes until ctx is cancelled, expiring and declining stale offers after each one.
func (m *Matcher) Run(ctx *scalecontext.Context, decliner Decliner) error {
	ctx = scalecontext.WithService(ctx, "Matcher")
	for {
		start := m.clock.Now()
		if m.beforePass != nil {
			m.beforePass(ctx)
		}
		if _, err := m.Pass(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("matcher pass failed")
		}
		m.ExpireOffers(ctx, decliner)
		wait := m.config.PassFloor - m.clock.Since(start)
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(wait):
		}
	}
}

// ExpireOffers ages the ledger and declines the offers that expired. Residual offers were already accepted and
// are dropped without a decline.
func (m *Matcher) ExpireOffers(ctx *scalecontext.Context, decliner Decliner) {
	var ids []string
	for _, o := range m.ledger.AgeAndExpire(m.clock.Now()) {
		if !o.Residual {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := decliner.Decline(ctx, ids, "expired"); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to decline %d expired offers", len(ids))
	}
}

// UnmetResources returns the current unmet resource warning of every job type that has one.
func (m *Matcher) UnmetResources() map[string]string {
	m.unmetMu.Lock()
	defer m.unmetMu.Unlock()
	return maps.Clone(m.unmet)
}

// Pass runs one matching pass. Every binding is either fully made, with its offers drawn and its job out of the
// queue, or fully rolled back.
func (m *Matcher) Pass(ctx *scalecontext.Context) (*PassResult, error) {
	start := m.clock.Now()
	result := &PassResult{}
	defer func() {
		result.Duration = m.clock.Since(start)
		passDuration.Observe(result.Duration.Seconds())
		if m.config.SlowPassLog > 0 && result.Duration > m.config.SlowPassLog {
			ctx.Log.Warnf("matcher pass took %s", result.Duration)
		}
	}()

	snapshot := m.registry.Snapshot()
	if snapshot.SchedulerPaused() {
		return result, nil
	}
	agents := m.agentViews(snapshot)
	byJobType, byAgent := m.launcher.RunningCounts()
	for _, r := range m.launcher.RunningJobs() {
		if view, ok := agents[r.AgentID]; ok {
			view.committed = append(view.committed, r)
		}
	}

	m.serveNextTasks(ctx, agents, result)

	now := m.clock.Now()
	unmet := map[string]string{}
	seen := map[int64]bool{}
	for _, e := range m.queue.Snapshot(now) {
		if result.Bindings+result.NextTasks >= m.config.MaxBindingsPerPass {
			break
		}
		seen[e.JobID] = true
		jobType, ok := snapshot.JobType(e.JobType)
		if !ok {
			ctx.Log.Warnf("job %d has unknown job type %s", e.JobID, e.JobType)
			continue
		}
		if jobType.IsPaused {
			continue
		}
		if jobType.MaxScheduled > 0 && byJobType[jobType.Name] >= jobType.MaxScheduled {
			continue
		}
		workspaces, missing, active := resolveWorkspaces(snapshot, e)
		if missing != "" {
			ctx.Log.Warnf("job %d needs missing workspace %s", e.JobID, missing)
			result.Failed = append(result.Failed, e.JobID)
			continue
		}
		if !active {
			continue
		}

		candidates := m.candidates(e, workspaces, agents, byAgent)
		if len(candidates) == 0 {
			if m.noCandidates(e, agents, unmet) {
				result.Blocked = append(result.Blocked, e.JobID)
			} else if view := m.reserve(e, workspaces, agents, byAgent, snapshot.JobTypes()); view != nil {
				view.reserved = true
				ctx.Log.Debugf("reserved agent %s for job %d", view.summary.AgentID, e.JobID)
			}
			continue
		}
		delete(m.noCandidate, e.JobID)

		if agentID, ok := m.bind(ctx, e, jobType, candidates); ok {
			result.Bindings++
			byJobType[jobType.Name]++
			byAgent[agentID]++
		}
	}
	for jobID := range m.noCandidate {
		if !seen[jobID] {
			delete(m.noCandidate, jobID)
		}
	}

	m.setUnmet(unmet)
	m.finish(ctx, result)
	bindingsTotal.Add(float64(result.Bindings))
	return result, nil
}

// serveNextTasks draws resources for executions waiting to launch their next task. They go before queued jobs.
func (m *Matcher) serveNextTasks(ctx *scalecontext.Context, agents map[string]*agentView, result *PassResult) {
	for _, p := range m.launcher.PendingTasks() {
		if result.NextTasks >= m.config.MaxBindingsPerPass {
			return
		}
		draw, err := m.ledger.Draw(p.AgentID, p.Resources)
		if err != nil {
			continue
		}
		if err := m.launcher.AcceptNext(ctx, p.ExeID, draw); err != nil {
			m.ledger.Release(draw)
			logging.WithStacktrace(ctx.Log, err).Warnf("execution %s could not take its next task", p.ExeID)
			continue
		}
		if view, ok := agents[p.AgentID]; ok {
			view.available, _ = view.available.SubtractSaturating(draw.Total())
		}
		result.NextTasks++
	}
}

// bind draws offers from the best candidate that still has them and hands the binding to the launcher.
func (m *Matcher) bind(ctx *scalecontext.Context, e *queue.Entry, jobType *schedulerobjects.JobType, candidates []*agentView) (string, bool) {
	for _, view := range m.order(jobType.Name, candidates) {
		draw, err := m.ledger.Draw(view.summary.AgentID, e.Resources)
		if err != nil {
			// The agent's offers changed since the snapshot.
			continue
		}
		if !m.queue.Remove(e.JobID) {
			// Cancelled or re-prioritised away while we were matching.
			m.ledger.Release(draw)
			return "", false
		}
		binding := &Binding{Entry: e, JobType: jobType, Node: view.node, Draw: draw}
		if err := m.launcher.Accept(ctx, binding); err != nil {
			m.ledger.Release(draw)
			m.queue.Put(e)
			logging.WithStacktrace(ctx.Log, err).Warnf("launcher rejected job %d", e.JobID)
			return "", false
		}
		view.available, _ = view.available.SubtractSaturating(draw.Total())
		view.committed = append(view.committed, RunningJob{AgentID: view.summary.AgentID, Priority: e.Priority, Resources: e.Resources})
		m.sticky.Set(jobType.Name, view.summary.AgentID, cache.DefaultExpiration)
		ctx.Log.Debugf("bound job %d to agent %s", e.JobID, view.summary.AgentID)
		return view.summary.AgentID, true
	}
	return "", false
}

func (m *Matcher) agentViews(snapshot *registry.Snapshot) map[string]*agentView {
	views := map[string]*agentView{}
	for _, summary := range m.ledger.Agents() {
		view := &agentView{summary: summary, available: summary.Offered}
		if node, ok := snapshot.NodeByAgent(summary.AgentID); ok {
			view.node = node
			view.ready = snapshot.NodeState(node, true) == schedulerobjects.NodeReady
		}
		views[summary.AgentID] = view
	}
	return views
}

// resolveWorkspaces looks up the workspaces of an entry. It returns the name of a missing workspace, if any, and
// whether all of them are active.
func resolveWorkspaces(snapshot *registry.Snapshot, e *queue.Entry) (map[string]*schedulerobjects.Workspace, string, bool) {
	names := maps.Keys(e.Workspaces)
	slices.Sort(names)
	workspaces := make(map[string]*schedulerobjects.Workspace, len(names))
	active := true
	for _, name := range names {
		w, ok := snapshot.Workspace(name)
		if !ok {
			return nil, name, false
		}
		active = active && w.IsActive
		workspaces[name] = w
	}
	return workspaces, "", active
}

func (m *Matcher) candidates(
	e *queue.Entry,
	workspaces map[string]*schedulerobjects.Workspace,
	agents map[string]*agentView,
	byAgent map[string]int,
) []*agentView {
	var result []*agentView
	for _, view := range agents {
		if !m.eligible(e, workspaces, view, byAgent) {
			continue
		}
		if !e.Resources.FitsIn(view.available) {
			continue
		}
		result = append(result, view)
	}
	return result
}

// eligible reports whether the agent may take the entry at all, regardless of its free resources.
func (m *Matcher) eligible(
	e *queue.Entry,
	workspaces map[string]*schedulerobjects.Workspace,
	view *agentView,
	byAgent map[string]int,
) bool {
	if !view.ready || view.reserved {
		return false
	}
	if e.NodeAffinity != "" && view.node.Hostname != e.NodeAffinity {
		return false
	}
	if m.config.MaxTasksPerNode > 0 && byAgent[view.summary.AgentID] >= m.config.MaxTasksPerNode {
		return false
	}
	return supportsWorkspaces(view.node.Hostname, e.Workspaces, workspaces)
}

// reserve picks the agent to hold for an entry that fit nowhere this pass. The agent's watermark less the jobs
// of equal or higher priority on it must fit the entry. Among those, the agent that would have room for the
// fewest job types once the entry runs wins, so agents that suit many job types stay open. Returns nil when no
// agent qualifies.
func (m *Matcher) reserve(
	e *queue.Entry,
	workspaces map[string]*schedulerobjects.Workspace,
	agents map[string]*agentView,
	byAgent map[string]int,
	jobTypes []*schedulerobjects.JobType,
) *agentView {
	var best *agentView
	bestScore := 0
	for _, view := range agents {
		if !m.eligible(e, workspaces, view, byAgent) {
			continue
		}
		capacity := view.summary.Watermark
		for _, c := range view.committed {
			if c.Priority <= e.Priority {
				capacity, _ = capacity.SubtractSaturating(c.Resources)
			}
		}
		if !e.Resources.FitsIn(capacity) {
			continue
		}
		remaining, _ := capacity.SubtractSaturating(e.Resources)
		score := 0
		for _, jobType := range jobTypes {
			if !jobType.IsPaused && jobType.Resources.FitsIn(remaining) {
				score++
			}
		}
		if best == nil || score < bestScore || (score == bestScore && view.summary.AgentID < best.summary.AgentID) {
			best, bestScore = view, score
		}
	}
	return best
}

func supportsWorkspaces(
	hostname string,
	modes map[string]schedulerobjects.WorkspaceMode,
	workspaces map[string]*schedulerobjects.Workspace,
) bool {
	for name, mode := range modes {
		if !workspaces[name].Supports(mode, hostname) {
			return false
		}
	}
	return true
}

// order sorts candidates: the job type's most recently used agent, then least loaded by cpu then memory, then by
// agent id.
func (m *Matcher) order(jobType string, candidates []*agentView) []*agentView {
	stickyAgent := ""
	if v, ok := m.sticky.Get(jobType); ok {
		stickyAgent = v.(string)
	}
	sorted := slices.Clone(candidates)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		aSticky, bSticky := a.summary.AgentID == stickyAgent, b.summary.AgentID == stickyAgent
		if aSticky != bSticky {
			return aSticky
		}
		aCPU, aMem := resources.Utilisation(a.available, a.summary.Watermark)
		bCPU, bMem := resources.Utilisation(b.available, b.summary.Watermark)
		if aCPU != bCPU {
			return aCPU < bCPU
		}
		if aMem != bMem {
			return aMem < bMem
		}
		return a.summary.AgentID < b.summary.AgentID
	})
	return sorted
}

// noCandidates records an entry no agent could take. It returns true once the entry has exceeded the capacity of
// every known agent for enough consecutive passes to be blocked.
func (m *Matcher) noCandidates(e *queue.Entry, agents map[string]*agentView, unmet map[string]string) bool {
	if len(agents) == 0 {
		return false
	}
	advertised := map[string]bool{}
	fitsSome := false
	for _, view := range agents {
		for _, name := range view.summary.Watermark.Names() {
			advertised[name] = true
		}
		if e.Resources.FitsIn(view.summary.Watermark) {
			fitsSome = true
		}
	}
	warning := schedulerobjects.InsufficientResources
	for _, name := range e.Resources.Names() {
		if !advertised[name] {
			warning = schedulerobjects.InvalidResources
		}
	}
	if unmet[e.JobType] != schedulerobjects.InvalidResources {
		unmet[e.JobType] = warning
	}
	if fitsSome {
		delete(m.noCandidate, e.JobID)
		return false
	}
	m.noCandidate[e.JobID]++
	return m.noCandidate[e.JobID] >= m.config.BlockAfterScans
}

func (m *Matcher) setUnmet(unmet map[string]string) {
	m.unmetMu.Lock()
	defer m.unmetMu.Unlock()
	for jobType, warning := range m.unmet {
		if unmet[jobType] != warning {
			unmetResources.WithLabelValues(jobType, warning).Set(0)
		}
	}
	for jobType, warning := range unmet {
		unmetResources.WithLabelValues(jobType, warning).Set(1)
	}
	m.unmet = unmet
}

// finish publishes the new state of blocked and failed jobs and then takes them out of the queue. Jobs whose
// message could not be published stay queued for the next pass.
func (m *Matcher) finish(ctx *scalecontext.Context, result *PassResult) {
	blocked := m.stillQueued(result.Blocked)
	if len(blocked) > 0 {
		if err := m.publisher.Publish(ctx, messages.NewBlockJobs(scaleerrors.NameUnschedulable, blocked...)); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to publish blocked jobs %v; they stay queued", blocked)
			blocked = nil
		}
		for _, jobID := range blocked {
			m.queue.Remove(jobID)
			delete(m.noCandidate, jobID)
		}
		if len(blocked) > 0 {
			blockedTotal.Add(float64(len(blocked)))
			ctx.Log.Infof("blocked unschedulable jobs %v", blocked)
		}
	}
	failed := m.stillQueued(result.Failed)
	if len(failed) > 0 {
		if err := m.publisher.Publish(ctx, messages.NewFailJobs(scaleerrors.NameWorkspaceMissing, failed...)); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to publish failed jobs %v; they stay queued", failed)
			failed = nil
		}
		for _, jobID := range failed {
			m.queue.Remove(jobID)
		}
	}
	result.Blocked, result.Failed = blocked, failed
}

func (m *Matcher) stillQueued(jobIDs []int64) []int64 {
	var queued []int64
	for _, jobID := range jobIDs {
		if m.queue.Contains(jobID) {
			queued = append(queued, jobID)
		}
	}
	return queued
}
