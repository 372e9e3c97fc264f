package messaging

import (
	"net/url"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	commonconfig "github.com/ngageoint/scale/internal/common/config"
	"github.com/ngageoint/scale/internal/common/pulsarutils"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

// NewBackend builds the backend named by backendURL:
//
//	memory://                       in-process loopback
//	sql://                          the scheduler database
//	pulsar://host:6650/<topic>      a Pulsar topic (pulsar+ssl:// for TLS)
func NewBackend(
	backendURL string,
	visibility time.Duration,
	db *goqu.Database,
	pulsarConfig commonconfig.PulsarConfig,
	clock clock.PassiveClock,
) (Backend, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryBackend(visibility, clock), nil
	case "sql":
		if db == nil {
			return nil, errors.New("sql message backend needs a database")
		}
		return NewSqlBackend(db, visibility, clock), nil
	case "pulsar", "pulsar+ssl":
		topic := strings.TrimPrefix(u.Path, "/")
		if topic == "" {
			return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
				Name:    "MSG_BACKEND_URL",
				Value:   backendURL,
				Message: "pulsar backend URL must name a topic",
			})
		}
		client, err := pulsarutils.NewPulsarClient(u.Scheme+"://"+u.Host, pulsarConfig)
		if err != nil {
			return nil, err
		}
		backend, err := NewPulsarBackend(client, PulsarBackendOptions{
			Topic:            topic,
			DeadLetterTopic:  pulsarConfig.DeadLetterTopic,
			SubscriptionName: pulsarConfig.SubscriptionName,
			SendTimeout:      pulsarConfig.SendTimeout,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return backend, nil
	}
	return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
		Name:    "MSG_BACKEND_URL",
		Value:   backendURL,
		Message: "scheme must be memory, sql, pulsar or pulsar+ssl",
	})
}

// NewDedupStore builds the dedup store named by dedupURL: empty or memory:// for an in-process cache, or
// redis://host:port/<db> for a store shared by every scheduler instance.
func NewDedupStore(dedupURL string, ttl time.Duration, redisConfig commonconfig.RedisConfig) (DedupStore, func(), error) {
	if dedupURL == "" {
		return NewMemoryDedupStore(ttl), func() {}, nil
	}
	u, err := url.Parse(dedupURL)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryDedupStore(ttl), func() {}, nil
	case "redis":
		options, err := redisConfig.UniversalOptions(dedupURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewUniversalClient(options)
		return NewRedisDedupStore(client, ttl), func() { _ = client.Close() }, nil
	}
	return nil, nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
		Name:    "dedupUrl",
		Value:   dedupURL,
		Message: "scheme must be memory or redis",
	})
}
