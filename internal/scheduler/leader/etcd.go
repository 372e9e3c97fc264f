package leader

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/time/rate"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
)

type EtcdElectionConfig struct {
	// Key prefix shared by every candidate.
	Prefix   string
	Identity string
	// Leadership is lost if the session isn't kept alive for this long.
	TTL time.Duration
	// Minimum time between two campaigns.
	RetryPeriod time.Duration
}

// EtcdLeaderController campaigns in an etcd election. Leadership lasts until the context is cancelled or the
// session lease expires, after which it campaigns again.
type EtcdLeaderController struct {
	*electedState
	client  *clientv3.Client
	config  EtcdElectionConfig
	limiter *rate.Limiter
}

func NewEtcdLeaderController(config EtcdElectionConfig, client *clientv3.Client) *EtcdLeaderController {
	if config.RetryPeriod <= 0 {
		config.RetryPeriod = time.Second
	}
	return &EtcdLeaderController{
		electedState: newElectedState(config.Identity),
		client:       client,
		config:       config,
		limiter:      rate.NewLimiter(rate.Every(config.RetryPeriod), 1),
	}
}

func (lc *EtcdLeaderController) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "EtcdLeaderController")
	for {
		// Wait fails with its own error once ctx is done.
		if err := lc.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WithStack(err)
		}
		if err := lc.campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.WithStacktrace(ctx.Log, err).Warn("leader election round failed")
		}
	}
}

// campaign runs one term: it blocks until elected, then until leadership ends.
func (lc *EtcdLeaderController) campaign(ctx *scalecontext.Context) error {
	session, err := concurrency.NewSession(
		lc.client,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(int(lc.config.TTL.Seconds())))
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			ctx.Log.WithError(err).Debug("closing etcd session")
		}
	}()

	election := concurrency.NewElection(session, lc.config.Prefix)
	observeCtx, stopObserving := context.WithCancel(ctx)
	defer stopObserving()
	go lc.observe(observeCtx, election)

	ctx.Log.Infof("attempting to become leader")
	if err := election.Campaign(ctx, lc.config.Identity); err != nil {
		return errors.WithStack(err)
	}
	ctx.Log.Infof("I am now leader")
	lc.startedLeading(ctx)

	select {
	case <-ctx.Done():
	case <-session.Done():
		ctx.Log.Warn("etcd session expired")
	}
	ctx.Log.Infof("I am no longer leader")
	lc.stoppedLeading()

	resignCtx, cancel := context.WithTimeout(context.Background(), lc.config.RetryPeriod)
	defer cancel()
	if err := election.Resign(resignCtx); err != nil {
		logging.WithStacktrace(ctx.Log, errors.WithStack(err)).Warn("resigning leadership failed")
	}
	return nil
}

func (lc *EtcdLeaderController) observe(ctx context.Context, election *concurrency.Election) {
	for resp := range election.Observe(ctx) {
		if len(resp.Kvs) > 0 {
			lc.setCurrentLeader(string(resp.Kvs[0].Value))
		}
	}
}
