package scheduler

import (
	"net/http"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common"
	"github.com/ngageoint/scale/internal/common/app"
	dbcommon "github.com/ngageoint/scale/internal/common/database"
	"github.com/ngageoint/scale/internal/common/health"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/util"
	"github.com/ngageoint/scale/internal/scheduler/broker"
	"github.com/ngageoint/scale/internal/scheduler/cluster"
	schedulerconfig "github.com/ngageoint/scale/internal/scheduler/configuration"
	"github.com/ngageoint/scale/internal/scheduler/database"
	"github.com/ngageoint/scale/internal/scheduler/leader"
	"github.com/ngageoint/scale/internal/scheduler/messaging"
)

const databaseRetryInterval = 5 * time.Second

// Run sets up a Scheduler application and runs it until a SIGTERM is received
func Run(config schedulerconfig.Configuration) error {
	g, ctx := scalecontext.ErrGroup(app.CreateContextWithShutdown())
	ctx = scalecontext.WithLogField(ctx, "schedulerId", config.SchedulerID)
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Database
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connection")
	var db *goqu.Database
	opened := util.RetryUntilSuccess(ctx, "database", func() error {
		var err error
		db, err = dbcommon.Open(ctx, config.Database)
		return err
	}, func(int) {
		select {
		case <-ctx.Done():
		case <-realClock.After(databaseRetryInterval):
		}
	})
	if !opened {
		return errors.WithMessage(ctx.Err(), "error opening database")
	}
	defer func() {
		if err := dbcommon.Close(db); err != nil {
			log.WithError(err).Warn("database didn't close down cleanly")
		}
	}()
	repo := database.NewRepository(db, realClock)

	//////////////////////////////////////////////////////////////////////////
	// Message bus
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up message backend %s", config.Messaging.BackendUrl)
	backend, err := messaging.NewBackend(config.Messaging.BackendUrl, config.Messaging.VisibilityTimeout, db, config.Pulsar, realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating message backend")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.WithError(err).Warn("message backend didn't close down cleanly")
		}
	}()
	dedup, closeDedup, err := messaging.NewDedupStore(config.Messaging.DedupUrl, config.Messaging.DedupTTL, config.Redis)
	if err != nil {
		return errors.WithMessage(err, "error creating dedup store")
	}
	defer closeDedup()

	//////////////////////////////////////////////////////////////////////////
	// Cluster
	//////////////////////////////////////////////////////////////////////////
	adapter, err := createAdapter(config.Cluster, realClock)
	if err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Scheduler will run in %s leader mode", config.Leader.LeaderMode())
	leaderController, closeLeader, err := leader.NewLeaderController(config.Leader, config.SchedulerID)
	if err != nil {
		return errors.WithMessage(err, "error creating leader controller")
	}
	defer closeLeader()
	leaderStatus := leader.NewLeaderStatusMetricsCollector(config.SchedulerID)
	leaderStatus.Watch(leaderController)
	prometheus.MustRegister(leaderStatus)
	services = append(services, func() error { return leaderController.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	scheduler := NewScheduler(&Dependencies{
		Config:  config,
		Repo:    repo,
		Adapter: adapter,
		Backend: backend,
		Dedup:   dedup,
		Brokers: broker.NewResolver(),
		Clock:   realClock,
	}, leaderController)
	healthChecks.Add(health.CheckerFunc(scheduler.Check))
	services = append(services, func() error { return scheduler.Run(ctx) })

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

func createAdapter(config schedulerconfig.ClusterConfig, clock clock.Clock) (cluster.Adapter, error) {
	switch config.Adapter {
	case "mesos":
		log.Infof("Connecting to mesos master at %s", config.Mesos.Master)
		return cluster.NewMesosAdapter(cluster.MesosOptions{
			Master:          config.Mesos.Master,
			User:            config.Mesos.User,
			Name:            config.Mesos.Name,
			Role:            config.Mesos.Role,
			FailoverTimeout: config.Mesos.FailoverTimeout,
			RefuseSeconds:   config.Mesos.RefuseSeconds,
			RequestTimeout:  config.Mesos.RequestTimeout,
		}, clock), nil
	case "fake":
		log.Warn("Using the fake cluster adapter; nothing will run")
		return cluster.NewFakeAdapter(config.FakePartialAccept, clock), nil
	}
	return nil, errors.Errorf("%s is not a valid cluster adapter", config.Adapter)
}
