package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "merlin:velocity:"

// RedisCounter is a Redis-backed sliding-window counter. Each subject key
// is a sorted set of attempt ids scored by millisecond timestamp, so Count
// is a single ZCOUNT over the window and increments from concurrent nodes
// are never lost.
type RedisCounter struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(addr, password string, db int, retention time.Duration) (*RedisCounter, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if retention < DefaultRetention {
		retention = DefaultRetention
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCounter{client: client, retention: retention}, nil
}

// Increment records one attempt for the subject key. ZADD is atomic on the
// server, so concurrent increments for the same key all land.
func (c *RedisCounter) Increment(ctx context.Context, subjectKey string, at time.Time) error {
	key := redisKeyPrefix + subjectKey

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: uuid.New().String(),
	})
	pipe.Expire(ctx, key, c.retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of increments in (asOf-window, asOf], at
// millisecond resolution.
func (c *RedisCounter) Count(ctx context.Context, subjectKey string, window time.Duration, asOf time.Time) (int64, error) {
	key := redisKeyPrefix + subjectKey
	min := "(" + strconv.FormatInt(asOf.Add(-window).UnixMilli(), 10)
	max := strconv.FormatInt(asOf.UnixMilli(), 10)

	return c.client.ZCount(ctx, key, min, max).Result()
}

// Compact trims increments older than the cutoff from every subject key.
func (c *RedisCounter) Compact(ctx context.Context, olderThan time.Time) error {
	cutoff := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)

	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if err := c.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks Redis connectivity.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
