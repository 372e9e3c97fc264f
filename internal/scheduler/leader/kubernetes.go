package leader

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

type KubernetesLeaseConfig struct {
	Namespace     string
	LeaseName     string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// KubernetesLeaderController uses the Kubernetes leader election mechanism to determine who is leader.
// This allows multiple instances of the scheduler to be run for high availability.
type KubernetesLeaderController struct {
	*electedState
	client coordinationv1client.LeasesGetter
	config KubernetesLeaseConfig
}

func NewKubernetesLeaderController(config KubernetesLeaseConfig, client coordinationv1client.LeasesGetter) *KubernetesLeaderController {
	return &KubernetesLeaderController{
		electedState: newElectedState(config.Identity),
		client:       client,
		config:       config,
	}
}

// Run starts the controller.
// This is a blocking call that returns when the provided context is cancelled.
func (lc *KubernetesLeaderController) Run(ctx *scalecontext.Context) error {
	log := ctx.Log.WithField("service", "KubernetesLeaderController")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			lock := lc.getNewLock()
			log.Infof("attempting to become leader")
			leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
				Lock:            lock,
				ReleaseOnCancel: true,
				LeaseDuration:   lc.config.LeaseDuration,
				RenewDeadline:   lc.config.RenewDeadline,
				RetryPeriod:     lc.config.RetryPeriod,
				Callbacks: leaderelection.LeaderCallbacks{
					OnStartedLeading: func(c context.Context) {
						log.Infof("I am now leader")
						lc.startedLeading(ctx)
					},
					OnStoppedLeading: func() {
						log.Infof("I am no longer leader")
						lc.stoppedLeading()
					},
					OnNewLeader: func(identity string) {
						log.Infof("%s is leader", identity)
						lc.setCurrentLeader(identity)
					},
				},
			})
			log.Infof("leader election round finished")
		}
	}
}

// getNewLock returns a resourcelock.LeaseLock which is the resource used for locking when attempting leader election
func (lc *KubernetesLeaderController) getNewLock() *resourcelock.LeaseLock {
	return &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      lc.config.LeaseName,
			Namespace: lc.config.Namespace,
		},
		Client: lc.client,
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: lc.config.Identity,
		},
	}
}
