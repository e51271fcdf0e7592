package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydrowatch/backend/internal/core"
)

// Redis key layout: one sorted set per location per kind, scored by
// sample timestamp (unix nanos) so range queries map to ZRANGEBYSCORE.
const (
	redisSampleKey    = "leak:samples:%s"
	redisDetectionKey = "leak:detections:%s"
)

// RedisStore persists samples in Redis sorted sets with a TTL-free,
// count-capped retention.
type RedisStore struct {
	rdb       *redis.Client
	retention int64
}

// NewRedis connects and pings; the caller decides whether to fall back
// to the in-memory store on error.
func NewRedis(addr, password string, db, retention int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if retention <= 0 {
		retention = 10000
	}
	slog.Info("Redis sample store connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, retention: int64(retention)}, nil
}

func (s *RedisStore) SaveSample(ctx context.Context, sample *core.RawSample) error {
	return s.zadd(ctx, fmt.Sprintf(redisSampleKey, sample.Location), sample.Timestamp, sample)
}

func (s *RedisStore) RecentSamples(ctx context.Context, location string, since time.Time) ([]core.RawSample, error) {
	members, err := s.rdb.ZRangeByScore(ctx, fmt.Sprintf(redisSampleKey, location), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	out := make([]core.RawSample, 0, len(members))
	for _, member := range members {
		var sample core.RawSample
		if err := json.Unmarshal([]byte(member), &sample); err != nil {
			continue // skip unparseable entries rather than fail the query
		}
		out = append(out, sample)
	}
	return out, nil
}

func (s *RedisStore) SaveDetection(ctx context.Context, result *core.DetectionResult) error {
	return s.zadd(ctx, fmt.Sprintf(redisDetectionKey, result.Sample.Location), result.Timestamp, result)
}

func (s *RedisStore) RecentDetections(ctx context.Context, location string, limit int) ([]core.DetectionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.rdb.ZRevRange(ctx, fmt.Sprintf(redisDetectionKey, location), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}

	out := make([]core.DetectionResult, 0, len(members))
	for _, member := range members {
		var result core.DetectionResult
		if err := json.Unmarshal([]byte(member), &result); err != nil {
			continue
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// zadd appends a JSON member scored by timestamp and trims the set to
// the retention cap.
func (s *RedisStore) zadd(ctx context.Context, key string, at time.Time, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for redis: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: string(data)})
	pipe.ZRemRangeByRank(ctx, key, 0, -(s.retention + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}
