package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/leader"
)

var sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scale_scheduler_leader_sessions_total",
	Help: "Number of leader sessions that ended, by how they ended",
}, []string{"outcome"})

// Scheduler runs a Session for as long as it holds leadership. Standbys run nothing but the poll.
type Scheduler struct {
	deps             *Dependencies
	leaderController leader.LeaderController
	// How often the leader token is checked.
	pollInterval time.Duration

	mu      sync.Mutex
	session *Session
}

func NewScheduler(deps *Dependencies, leaderController leader.LeaderController) *Scheduler {
	pollInterval := deps.Config.Leader.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		deps:             deps,
		leaderController: leaderController,
		pollInterval:     pollInterval,
	}
}

type sessionResult struct {
	err error
}

// Run polls the leader token and starts a session on every new term. A lost or replaced token cancels the running
// session, and Run waits for every session thread to exit before going on. Only system errors end Run.
func (s *Scheduler) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "Scheduler")
	var (
		running bool
		token   leader.LeaderToken
		cancel  func()
		done    = make(chan sessionResult, 1)
	)
	stop := func() {
		if !running {
			return
		}
		cancel()
		result := <-done
		running = false
		s.sessionEnded(ctx, result)
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-done:
			running = false
			s.sessionEnded(ctx, result)
			if scaleerrors.IsSystem(result.err) {
				return result.err
			}
		case <-s.deps.Clock.After(s.pollInterval):
		}

		current := s.leaderController.GetToken()
		if running && !s.leaderController.ValidateToken(token) {
			ctx.Log.Infof("leadership lost, stopping session")
			stop()
		}
		if !running && current.Leader() && s.leaderController.ValidateToken(current) {
			token = current
			var sessionCtx *scalecontext.Context
			sessionCtx, cancel = scalecontext.WithCancel(ctx)
			session, err := NewSession(s.deps, func() bool { return s.leaderController.ValidateToken(current) })
			if err != nil {
				cancel()
				return err
			}
			s.setSession(session)
			running = true
			ctx.Log.Infof("leadership acquired, starting session")
			go func() {
				done <- sessionResult{err: session.Run(sessionCtx)}
			}()
		}
	}
}

func (s *Scheduler) sessionEnded(ctx *scalecontext.Context, result sessionResult) {
	s.setSession(nil)
	switch {
	case result.err == nil:
		sessionsTotal.WithLabelValues("stopped").Inc()
		ctx.Log.Info("session stopped")
	case scaleerrors.IsSystem(result.err):
		sessionsTotal.WithLabelValues("system_error").Inc()
		logging.WithStacktrace(ctx.Log, result.err).Error("session ended with a system error")
	default:
		sessionsTotal.WithLabelValues("error").Inc()
		logging.WithStacktrace(ctx.Log, result.err).Warn("session ended, restarting")
	}
}

func (s *Scheduler) setSession(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

// Session returns the running session, if any.
func (s *Scheduler) Session() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.session != nil
}

// Check is healthy on standbys and reflects the message bus on the leader.
func (s *Scheduler) Check() error {
	if session, ok := s.Session(); ok {
		return session.Check()
	}
	return nil
}
