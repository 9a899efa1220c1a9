package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache stores FFA embeddings by CacheKey.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) (Embedding, bool, error)
	Set(ctx context.Context, key string, emb Embedding) error
}

// CacheKey identifies an embedding by provider model, image content, mask
// content and patch coverage threshold.
func CacheKey(model, imageDigest, maskDigest string, coverage float64) string {
	return fmt.Sprintf("ffa:%s:%s:%s:%g", model, imageDigest, maskDigest, coverage)
}

var _ EmbeddingCache = (*RedisEmbeddingCache)(nil)

type RedisEmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

type cachedEmbedding struct {
	Model  string    `json:"model"`
	Vector []float32 `json:"vector"`
}

func NewRedisEmbeddingCache(cfg CacheConfig) *RedisEmbeddingCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisEmbeddingCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (c *RedisEmbeddingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisEmbeddingCache) Get(ctx context.Context, key string) (Embedding, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Embedding{}, false, nil
	}
	if err != nil {
		return Embedding{}, false, err
	}

	emb, err := decodeEmbedding(data)
	if err != nil {
		return Embedding{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return emb, true, nil
}

func (c *RedisEmbeddingCache) Set(ctx context.Context, key string, emb Embedding) error {
	data, err := encodeEmbedding(emb)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *RedisEmbeddingCache) Close() error {
	return c.client.Close()
}

func encodeEmbedding(emb Embedding) ([]byte, error) {
	return json.Marshal(cachedEmbedding{Model: emb.Model, Vector: emb.Vector})
}

func decodeEmbedding(data []byte) (Embedding, error) {
	var ce cachedEmbedding
	if err := json.Unmarshal(data, &ce); err != nil {
		return Embedding{}, err
	}
	if len(ce.Vector) == 0 {
		return Embedding{}, errors.New("empty vector")
	}
	return NewEmbedding(ce.Vector, ce.Model), nil
}
