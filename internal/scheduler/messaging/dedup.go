package messaging

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

// DedupStore remembers which messages have been fully processed so that redeliveries short-circuit.
type DedupStore interface {
	Seen(ctx *scalecontext.Context, key string) (bool, error)
	Mark(ctx *scalecontext.Context, key string) error
}

// MemoryDedupStore forgets keys after ttl. It only deduplicates within one process.
type MemoryDedupStore struct {
	cache *cache.Cache
}

func NewMemoryDedupStore(ttl time.Duration) *MemoryDedupStore {
	return &MemoryDedupStore{cache: cache.New(ttl, ttl)}
}

func (s *MemoryDedupStore) Seen(_ *scalecontext.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

func (s *MemoryDedupStore) Mark(_ *scalecontext.Context, key string) error {
	s.cache.SetDefault(key, struct{}{})
	return nil
}

// RedisDedupStore shares dedup records between scheduler instances so they survive failover.
type RedisDedupStore struct {
	db     redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisDedupStore(db redis.UniversalClient, ttl time.Duration) *RedisDedupStore {
	return &RedisDedupStore{db: db, ttl: ttl, prefix: "scale:dedup:"}
}

func (s *RedisDedupStore) Seen(_ *scalecontext.Context, key string) (bool, error) {
	n, err := s.db.Exists(s.prefix + key).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Mark(_ *scalecontext.Context, key string) error {
	_, err := s.db.SetNX(s.prefix+key, 1, s.ttl).Result()
	return errors.WithStack(err)
}
