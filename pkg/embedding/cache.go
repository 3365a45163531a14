package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"abroad-docs-go/pkg/log"
)

// QueryCache 缓存查询向量。缓存失败只记录日志，不影响检索。
type QueryCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// RedisQueryCache 把查询向量以 JSON 形式存入 Redis。
type RedisQueryCache struct {
	rdb *redis.Client
}

func NewRedisQueryCache(rdb *redis.Client) *RedisQueryCache {
	return &RedisQueryCache{rdb: rdb}
}

func (c *RedisQueryCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[EmbeddingCache] 读取缓存失败, key: %s, err: %v", key, err)
		}
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *RedisQueryCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Warnf("[EmbeddingCache] 写入缓存失败, key: %s, err: %v", key, err)
	}
}
