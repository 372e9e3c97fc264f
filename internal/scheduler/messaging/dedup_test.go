package messaging

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

func TestDedupStores(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{s.Addr()}})
	defer client.Close()

	stores := map[string]DedupStore{
		"memory": NewMemoryDedupStore(time.Minute),
		"redis":  NewRedisDedupStore(client, time.Minute),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := scalecontext.Background()
			msg := MustNewMessage("cancel", map[string]interface{}{"job_ids": []int64{1}})

			seen, err := store.Seen(ctx, msg.DedupKey())
			require.NoError(t, err)
			assert.False(t, seen)

			require.NoError(t, store.Mark(ctx, msg.DedupKey()))
			require.NoError(t, store.Mark(ctx, msg.DedupKey()))
			seen, err = store.Seen(ctx, msg.DedupKey())
			require.NoError(t, err)
			assert.True(t, seen)

			other := MustNewMessage("cancel", map[string]interface{}{"job_ids": []int64{1}})
			seen, err = store.Seen(ctx, other.DedupKey())
			require.NoError(t, err)
			assert.False(t, seen)
		})
	}
}

func TestRedisDedupStore_Unreachable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{s.Addr()}})
	defer client.Close()
	s.Close()

	_, err = NewRedisDedupStore(client, time.Minute).Seen(scalecontext.Background(), "k")
	assert.Error(t, err)
}
