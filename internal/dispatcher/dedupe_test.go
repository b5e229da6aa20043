package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedupeCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cache := NewRedisDedupeCache(rdb, time.Minute)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "0xabc:BET_RESOLVED")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, cache.Mark(ctx, "0xabc:BET_RESOLVED"))
	seen, err = cache.Seen(ctx, "0xabc:BET_RESOLVED")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Minute, mr.TTL("eidos:bet:event:0xabc:BET_RESOLVED"))

	mr.FastForward(2 * time.Minute)
	seen, err = cache.Seen(ctx, "0xabc:BET_RESOLVED")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDedupeCache_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	_, err = NewRedisDedupeCache(rdb, 0).Seen(context.Background(), "k")
	assert.Error(t, err)
}
