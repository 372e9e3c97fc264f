// Package leader decides which scheduler instance may mutate cluster state.
package leader

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

// LeaderController is an interface to be implemented by structs that control which scheduler is leader
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader and false otherwise
	ValidateToken(tok LeaderToken) bool
	// Run starts the controller. This is a blocking call which will return when the provided context is cancelled
	Run(ctx *scalecontext.Context) error
	// GetLeaderReport returns a report about the current leader
	GetLeaderReport() LeaderReport
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// LeaderToken is handed out to schedulers so they can determine whether they are leader. Every term of leadership
// gets a fresh token, so a token from an earlier term never validates.
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

func (t LeaderToken) Leader() bool {
	return t.leader
}

// StandaloneLeaderController returns a token that always indicates you are leader
// This can be used when only a single instance of the scheduler is needed
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{
		token: NewLeaderToken(),
	}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{
		LeaderName:             "standalone",
		IsCurrentProcessLeader: true,
	}
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.id == tok.id
	}
	return false
}

func (lc *StandaloneLeaderController) Run(ctx *scalecontext.Context) error {
	return nil
}

// LeaseListener allows clients to listen for lease events.
type LeaseListener interface {
	// Called when the client has started leading.
	onStartedLeading(*scalecontext.Context)
	// Called when the client has stopped leading,
	onStoppedLeading()
}

// electedState is the bookkeeping shared by the controllers that campaign against a coordination service.
type electedState struct {
	identity          string
	token             atomic.Value
	currentLeaderLock sync.Mutex
	currentLeader     string
	listeners         []LeaseListener
}

func newElectedState(identity string) *electedState {
	s := &electedState{identity: identity}
	s.token.Store(InvalidLeaderToken())
	return s
}

// RegisterListener must be called before Run.
func (s *electedState) RegisterListener(listener LeaseListener) {
	s.listeners = append(s.listeners, listener)
}

func (s *electedState) GetToken() LeaderToken {
	return s.token.Load().(LeaderToken)
}

func (s *electedState) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return s.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

func (s *electedState) GetLeaderReport() LeaderReport {
	s.currentLeaderLock.Lock()
	defer s.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             s.currentLeader,
		IsCurrentProcessLeader: s.currentLeader == s.identity,
	}
}

func (s *electedState) setCurrentLeader(identity string) {
	s.currentLeaderLock.Lock()
	defer s.currentLeaderLock.Unlock()
	s.currentLeader = identity
}

func (s *electedState) startedLeading(ctx *scalecontext.Context) {
	s.token.Store(NewLeaderToken())
	for _, listener := range s.listeners {
		listener.onStartedLeading(ctx)
	}
}

func (s *electedState) stoppedLeading() {
	s.token.Store(InvalidLeaderToken())
	for _, listener := range s.listeners {
		listener.onStoppedLeading()
	}
}
