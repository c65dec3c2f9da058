package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyProjectWindow = "llmgate:ratelimit:project:%s"

// RedisCounter 使用有序集合实现精确滑动窗口：score 为毫秒时间戳，member 唯一。
type RedisCounter struct {
	client redis.Cmdable
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(o RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(o.Addr),
		Password: strings.TrimSpace(o.Password),
		DB:       o.DB,
	})
}

func NewRedisCounter(client redis.Cmdable) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	k := fmt.Sprintf(keyProjectWindow, strings.TrimSpace(key))
	nowMS := now.UnixMilli()
	floor := nowMS - window.Milliseconds()

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("(%d", floor))
	card := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMS), Member: uuid.NewString()})
	pipe.PExpire(ctx, k, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis 限流计数失败: %w", err)
	}
	return card.Val(), nil
}
