package leader

import (
	"strings"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ngageoint/scale/internal/common/cluster"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/configuration"
)

// coordinationTarget is a parsed coordination url: kubernetes://<namespace>/<lease> or
// etcd://<host:port>,<host:port>/<prefix>.
type coordinationTarget struct {
	mode string
	// Namespace for kubernetes, endpoints for etcd.
	hosts []string
	// Lease name for kubernetes, key prefix for etcd.
	name string
}

func parseCoordinationUrl(raw string) (coordinationTarget, error) {
	invalid := func(message string) error {
		return errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "LEADER_COORDINATION_URL",
			Value:   raw,
			Message: message,
		})
	}
	if raw == "" {
		return coordinationTarget{mode: configuration.StandaloneLeaderMode}, nil
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return coordinationTarget{}, invalid("expected <scheme>://<hosts>/<name>")
	}
	hosts, name, _ := strings.Cut(rest, "/")
	name = strings.Trim(name, "/")
	if hosts == "" || name == "" {
		return coordinationTarget{}, invalid("expected <scheme>://<hosts>/<name>")
	}
	switch scheme {
	case configuration.KubernetesLeaderMode:
		if strings.Contains(name, "/") {
			return coordinationTarget{}, invalid("lease name must not contain /")
		}
		return coordinationTarget{mode: scheme, hosts: []string{hosts}, name: name}, nil
	case configuration.EtcdLeaderMode:
		return coordinationTarget{mode: scheme, hosts: strings.Split(hosts, ","), name: "/" + name}, nil
	}
	return coordinationTarget{}, invalid("scheme must be kubernetes or etcd")
}

// NewLeaderController builds the controller selected by config.CoordinationUrl. The returned function releases
// the controller's client.
func NewLeaderController(config configuration.LeaderConfig, identity string) (LeaderController, func(), error) {
	target, err := parseCoordinationUrl(config.CoordinationUrl)
	if err != nil {
		return nil, nil, err
	}
	switch target.mode {
	case configuration.KubernetesLeaderMode:
		client, err := cluster.NewKubernetesClient(config.QPS, config.Burst)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "error creating kubernetes client")
		}
		controller := NewKubernetesLeaderController(KubernetesLeaseConfig{
			Namespace:     target.hosts[0],
			LeaseName:     target.name,
			Identity:      identity,
			LeaseDuration: config.LeaseDuration,
			RenewDeadline: config.RenewDeadline,
			RetryPeriod:   config.RetryPeriod,
		}, client.CoordinationV1())
		return controller, func() {}, nil
	case configuration.EtcdLeaderMode:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   target.hosts,
			DialTimeout: config.DialTimeout,
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "connecting to etcd at %v", target.hosts)
		}
		controller := NewEtcdLeaderController(EtcdElectionConfig{
			Prefix:      target.name,
			Identity:    identity,
			TTL:         config.LeaseDuration,
			RetryPeriod: config.RetryPeriod,
		}, client)
		return controller, func() { _ = client.Close() }, nil
	}
	return NewStandaloneLeaderController(), func() {}, nil
}
