package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/common/task"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/cleanup"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	"github.com/ngageoint/scale/internal/scheduler/commands"
	"github.com/ngageoint/scale/internal/scheduler/configuration"
	"github.com/ngageoint/scale/internal/scheduler/database"
	"github.com/ngageoint/scale/internal/scheduler/ingestor"
	"github.com/ngageoint/scale/internal/scheduler/launcher"
	"github.com/ngageoint/scale/internal/scheduler/matching"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
	"github.com/ngageoint/scale/internal/scheduler/offers"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/registry"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// Dependencies are the long-lived collaborators every leader session is built on.
type Dependencies struct {
	Config  configuration.Configuration
	Repo    *database.Repository
	Adapter cluster.Adapter
	Backend messaging.Backend
	Dedup   messaging.DedupStore
	Brokers *broker.Resolver
	Clock   clock.Clock
}

// Session holds the in-memory scheduling state of one term of leadership. Nothing in it outlives the term.
type Session struct {
	deps     *Dependencies
	isLeader func() bool

	ledger   *offers.Ledger
	queue    *queue.Queue
	registry *registry.Registry
	bus      *messaging.Bus
	launcher *launcher.Launcher
	matcher  *matching.Matcher
	cleanup  *cleanup.Manager
	ingestor *ingestor.Ingestor
	handlers *commands.Handlers

	// seenMu guards seenAgents, the agents that made offers since the last registry sync.
	seenMu     sync.Mutex
	seenAgents map[string]bool
	lastSync   time.Time
}

func NewSession(deps *Dependencies, isLeader func() bool) (*Session, error) {
	config := deps.Config
	queueConfig, err := queueConfig(config.Scheduling)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(deps.Clock)
	if err != nil {
		return nil, err
	}
	s := &Session{
		deps:       deps,
		isLeader:   isLeader,
		ledger:     offers.NewLedger(config.Scheduling.OfferTTL(), config.Scheduling.MaxGenerations, deps.Clock),
		queue:      queue.New(queueConfig),
		registry:   reg,
		bus:        messaging.NewBus(deps.Backend, deps.Dedup, busConfig(config.Messaging), deps.Clock),
		seenAgents: map[string]bool{},
	}
	s.launcher = launcher.New(
		launcherConfig(config.Launcher),
		s.ledger,
		s.queue,
		s.registry,
		deps.Adapter,
		s.bus,
		deps.Brokers,
		launcher.LeaderCheck(isLeader),
		deps.Clock,
	)
	s.matcher = matching.NewMatcher(
		matcherConfig(config.Scheduling),
		s.ledger,
		s.queue,
		s.registry,
		s.launcher,
		s.bus,
		deps.Clock,
	)
	s.matcher.BeforePass(s.refreshQueue)
	s.cleanup, err = cleanup.NewManager(cleanupConfig(config.Cleanup), s.ledger, deps.Adapter, s.registry, s.bus, isLeader, deps.Clock)
	if err != nil {
		return nil, err
	}
	s.ingestor, err = ingestor.New(ingestorConfig(config.Ingestor), deps.Repo, s.launcher, s.cleanup, s.registry, deps.Adapter, deps.Clock)
	if err != nil {
		return nil, err
	}
	s.handlers = commands.NewHandlers(deps.Repo, s.registry, s.queue, s.launcher, s.cleanup, deps.Brokers, deps.Clock)
	commands.Register(s.bus, s.handlers)
	return s, nil
}

// Start rebuilds state from the database and the cluster. It must complete before Run starts any thread.
func (s *Session) Start(ctx *scalecontext.Context) error {
	if err := s.registry.Sync(ctx, s.deps.Repo); err != nil {
		return scaleerrors.System(scaleerrors.NameDatabase, err)
	}
	if err := s.launcher.Restore(ctx, s.deps.Repo); err != nil {
		return err
	}
	if err := s.syncQueue(ctx); err != nil {
		return scaleerrors.System(scaleerrors.NameDatabase, err)
	}
	s.lastSync = s.deps.Clock.Now()
	ctx.Log.Infof("session started with %d queued jobs and %d live executions", s.queue.Len(), s.launcher.Len())
	return nil
}

// Run starts every scheduler thread and blocks until ctx is cancelled or a thread fails.
func (s *Session) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "Session")
	if err := s.Start(ctx); err != nil {
		return err
	}

	tasks := task.NewBackgroundTaskManager(s.deps.Clock)
	tasks.Register(ctx, "registry_sync", s.deps.Config.SyncInterval, s.syncRegistry)
	tasks.Register(ctx, "cleanup", s.deps.Config.Cleanup.Interval, s.cleanup.Tick)
	defer func() {
		if !tasks.StopAll(s.shutdownTimeout()) {
			ctx.Log.Warn("background tasks did not stop in time")
		}
	}()

	g, ctx := scalecontext.ErrGroup(ctx)
	g.Go(func() error { return s.deps.Adapter.Run(ctx) })
	g.Go(func() error { return s.receiveOffers(ctx) })
	g.Go(func() error { return s.matcher.Run(ctx, s.deps.Adapter) })
	g.Go(func() error { return s.launcher.Run(ctx) })
	g.Go(func() error { return s.ingestor.Run(ctx) })
	g.Go(func() error { return s.bus.Run(ctx) })
	return g.Wait()
}

func (s *Session) shutdownTimeout() time.Duration {
	if s.deps.Config.ShutdownTimeout > 0 {
		return s.deps.Config.ShutdownTimeout
	}
	return 10 * time.Second
}

// Check reports the health of the session's message bus.
func (s *Session) Check() error {
	return s.bus.Check()
}

func (s *Session) receiveOffers(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "OfferReceiver")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.deps.Adapter.Offers():
			if !ok {
				return nil
			}
			s.handleOfferEvent(ctx, event)
		}
	}
}

func (s *Session) handleOfferEvent(ctx *scalecontext.Context, event cluster.OfferEvent) {
	switch {
	case event.Offer != nil:
		if err := s.ledger.Record(event.Offer); err != nil {
			ctx.Log.Warnf("ignoring offer %s: %s", event.Offer.ID, err)
			return
		}
		s.observeAgent(ctx, event.Offer)
	case event.RescindID != "":
		s.ledger.Rescind(event.RescindID)
	case event.RemovedAgentID != "":
		agentID := event.RemovedAgentID
		dropped := s.ledger.RemoveAgent(agentID)
		s.launcher.AgentRemoved(ctx, agentID)
		s.cleanup.RemoveAgent(agentID)
		ctx.Log.Infof("agent %s removed, dropped %d offers", agentID, len(dropped))
	}
}

// observeAgent registers agents the registry doesn't know yet. They become schedulable once the next sync loads
// their node.
func (s *Session) observeAgent(ctx *scalecontext.Context, offer *offers.Offer) {
	if _, ok := s.registry.NodeByAgent(offer.AgentID); ok {
		s.seenMu.Lock()
		s.seenAgents[offer.AgentID] = true
		s.seenMu.Unlock()
		return
	}
	if !s.registry.StartRegistering(offer.AgentID) {
		return
	}
	node, err := s.deps.Repo.RegisterNode(ctx, offer.Hostname, offer.Port, offer.AgentID)
	if err != nil {
		s.registry.AbandonRegistering(offer.AgentID)
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to register agent %s on %s", offer.AgentID, offer.Hostname)
		return
	}
	ctx.Log.Infof("registered agent %s as node %s on %s", offer.AgentID, node.ID, node.Hostname)
}

// syncRegistry records which nodes are still offering, stores the matcher's unmet resource warnings and reloads the
// registries.
func (s *Session) syncRegistry(ctx *scalecontext.Context) error {
	s.seenMu.Lock()
	agents := s.seenAgents
	s.seenAgents = map[string]bool{}
	s.seenMu.Unlock()

	var nodeIDs []string
	for agentID := range agents {
		if node, ok := s.registry.NodeByAgent(agentID); ok {
			nodeIDs = append(nodeIDs, node.ID)
		}
	}
	if err := s.deps.Repo.TouchNodes(ctx, nodeIDs); err != nil {
		return errors.WithMessage(err, "recording node heartbeats")
	}
	if err := s.deps.Repo.SetUnmetResources(ctx, s.matcher.UnmetResources()); err != nil {
		return errors.WithMessage(err, "storing unmet resources")
	}
	return s.registry.Sync(ctx, s.deps.Repo)
}

// refreshQueue runs on the matcher thread and picks up jobs queued in the database since the last sync.
func (s *Session) refreshQueue(ctx *scalecontext.Context) {
	if s.deps.Clock.Since(s.lastSync) < s.deps.Config.SyncInterval {
		return
	}
	s.lastSync = s.deps.Clock.Now()
	if err := s.syncQueue(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to sync queued jobs")
	}
}

// syncQueue puts every queued job that isn't queued or running here into the queue. A job this session already
// launched for its current queueing stays out even when the execution has ended, until the database catches up.
func (s *Session) syncQueue(ctx *scalecontext.Context) error {
	jobs, err := s.deps.Repo.LoadJobsByStatus(ctx, schedulerobjects.JobQueued)
	if err != nil {
		return err
	}
	queued := make(map[int64]bool, len(jobs))
	for _, job := range jobs {
		queued[job.ID] = true
	}
	s.launcher.ForgetLaunched(func(jobID int64) bool { return queued[jobID] })

	snapshot := s.registry.Snapshot()
	added := 0
	for _, job := range jobs {
		if job.Superseded || s.queue.Contains(job.ID) || s.launcher.HasJob(job.ID) {
			continue
		}
		if s.launcher.LaunchedFor(job.ID, job.QueuedAt) {
			ctx.Log.Debugf("job %d already ran for this queueing; waiting for its execution to be recorded", job.ID)
			continue
		}
		jobType, ok := snapshot.JobType(job.JobType)
		if !ok {
			ctx.Log.Warnf("job %d has unknown job type %s and was not queued", job.ID, job.JobType)
			continue
		}
		s.queue.Put(queue.EntryFromJob(job, jobType))
		added++
	}
	if added > 0 {
		ctx.Log.Infof("queued %d jobs from the database", added)
	}
	return nil
}
