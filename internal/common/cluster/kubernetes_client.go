package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

// NewKubernetesClient builds a client from the in-cluster config, falling back to the default kubeconfig rules.
// Calls are limited to qps per second with bursts of up to burst.
func NewKubernetesClient(qps float32, burst int) (kubernetes.Interface, error) {
	if qps <= 0 {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "qps",
			Value:   qps,
			Message: "qps must be positive",
		})
	}
	if burst <= 0 {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "burst",
			Value:   burst,
			Message: "burst must be positive",
		})
	}

	restConfig, err := loadConfig()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	restConfig.RateLimiter = flowcontrol.NewTokenBucketRateLimiter(qps, burst)

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return client, nil
}

func loadConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
