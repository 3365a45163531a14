package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const progressTTL = 24 * time.Hour

// ProgressRepository 保存正在处理的文档的进度（0~1）。
type ProgressRepository interface {
	Set(ctx context.Context, trackingID string, fraction float64) error
	// Get 返回进度；没有记录时 ok 为 false。
	Get(ctx context.Context, trackingID string) (fraction float64, ok bool, err error)
	Delete(ctx context.Context, trackingID string) error
}

// progressRepository 是 ProgressRepository 接口的 Redis 实现。
type progressRepository struct {
	redisClient *redis.Client
}

// NewProgressRepository 创建一个新的 ProgressRepository 实例。
func NewProgressRepository(redisClient *redis.Client) ProgressRepository {
	return &progressRepository{redisClient: redisClient}
}

func progressKey(trackingID string) string {
	return "progress:" + trackingID
}

func (r *progressRepository) Set(ctx context.Context, trackingID string, fraction float64) error {
	v := strconv.FormatFloat(fraction, 'f', 4, 64)
	return r.redisClient.Set(ctx, progressKey(trackingID), v, progressTTL).Err()
}

func (r *progressRepository) Get(ctx context.Context, trackingID string) (float64, bool, error) {
	val, err := r.redisClient.Get(ctx, progressKey(trackingID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

func (r *progressRepository) Delete(ctx context.Context, trackingID string) error {
	return r.redisClient.Del(ctx, progressKey(trackingID)).Err()
}
