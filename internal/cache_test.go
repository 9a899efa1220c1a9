package internal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set TURNTABLE_TEST_REDIS=localhost:6379 to run against a live server.
func TestRedisEmbeddingCache(t *testing.T) {
	addr := os.Getenv("TURNTABLE_TEST_REDIS")
	if addr == "" {
		t.Skip("TURNTABLE_TEST_REDIS not set")
	}

	cache := NewRedisEmbeddingCache(CacheConfig{Addr: addr, TTL: time.Minute})
	defer cache.Close()
	ctx := context.Background()
	require.NoError(t, cache.Ping(ctx))

	key := CacheKey("fake-vit", uuid.NewString(), "mask", 0)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	emb := NewEmbedding([]float32{3, 4}, "fake-vit")
	require.NoError(t, cache.Set(ctx, key, emb))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, emb, got)
}

func TestRedisEmbeddingCacheUnreachable(t *testing.T) {
	cache := NewRedisEmbeddingCache(CacheConfig{Addr: "127.0.0.1:1"})
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, cache.Ping(ctx))
}
