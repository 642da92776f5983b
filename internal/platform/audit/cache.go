package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsCache stores computed statistics by key. A miss is (nil, false, nil).
type StatsCache interface {
	Get(ctx context.Context, key string) (*Statistics, bool, error)
	Set(ctx context.Context, key string, s *Statistics, ttl time.Duration) error
}

const statsKeyPrefix = "audit:stats:"

// RedisStatsCache keeps statistics as JSON values with a TTL.
type RedisStatsCache struct {
	client *redis.Client
}

func NewRedisStatsCache(client *redis.Client) *RedisStatsCache {
	return &RedisStatsCache{client: client}
}

func (c *RedisStatsCache) Get(ctx context.Context, key string) (*Statistics, bool, error) {
	b, err := c.client.Get(ctx, statsKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var s Statistics
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached statistics: %w", err)
	}
	return &s, true, nil
}

func (c *RedisStatsCache) Set(ctx context.Context, key string, s *Statistics, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	if err := c.client.Set(ctx, statsKeyPrefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// statsKey scopes a filter key to the histogram window it was computed for.
func statsKey(f Filter, since time.Time) string {
	return f.Key() + ":" + since.Format(dateOnly)
}
