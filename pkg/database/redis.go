package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/log"
)

// NewRedis 创建 Redis 客户端并测试连接。
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("[Database] Redis client connected successfully")
	return rdb, nil
}
