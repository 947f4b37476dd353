package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryCacheGetSet(t *testing.T) {
	cache := NewMemoryCache(zap.NewNop().Sugar())
	defer cache.Close()
	require.True(t, cache.IsInMemoryMode())

	ctx := context.Background()
	value := map[string]string{"message": "hello"}

	require.NoError(t, cache.Set(ctx, "test:key", value, time.Minute))

	var retrieved map[string]string
	require.NoError(t, cache.Get(ctx, "test:key", &retrieved))
	assert.Equal(t, "hello", retrieved["message"])

	err := cache.Get(ctx, "test:absent", &retrieved)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Delete(ctx, "test:key"))
	err = cache.Get(ctx, "test:key", &retrieved)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache(zap.NewNop().Sugar())
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "test:ttl", "v", time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	var out string
	err := cache.Get(ctx, "test:ttl", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)

	ok, err := cache.Exists(ctx, "test:ttl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryPubSub(t *testing.T) {
	cache := NewMemoryCache(zap.NewNop().Sugar())
	defer cache.Close()
	ctx := context.Background()

	channel := PriceChannel("SOLUSDT")
	sub := cache.SubscribeInMemory(ctx, channel)
	require.NotNil(t, sub)
	defer sub.Close()

	message := map[string]string{"symbol": "SOLUSDT", "price": "150.25"}
	require.NoError(t, cache.Publish(ctx, channel, message))

	select {
	case msg := <-sub.Channel():
		require.NotNil(t, msg)
		assert.Equal(t, channel, msg.Channel)

		var received map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &received))
		assert.Equal(t, "SOLUSDT", received["symbol"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pubsub message")
	}
}
