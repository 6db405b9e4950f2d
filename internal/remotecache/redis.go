package remotecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rowKeyPrefix     = "crmcache:rows:"
	versionKeyPrefix = "crmcache:meta_version:"
	scanBatchSize    = 128
)

func rowKey(userID, key string) string {
	return rowKeyPrefix + userID + ":" + key
}

// RedisRows stores cache rows as JSON values under user-scoped keys.
type RedisRows struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRows wraps a connected client. A positive ttl bounds how long
// rows linger after their cache stops refreshing them; zero keeps them
// until deleted.
func NewRedisRows(client *redis.Client, ttl time.Duration) *RedisRows {
	return &RedisRows{client: client, ttl: ttl}
}

func (s *RedisRows) Get(ctx context.Context, userID, key string) (Row, bool, error) {
	raw, err := s.client.Get(ctx, rowKey(userID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Row{}, false, nil
		}
		return Row{}, false, err
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

func (s *RedisRows) Upsert(ctx context.Context, userID, key string, row Row) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, rowKey(userID, key), raw, s.ttl).Err()
}

func (s *RedisRows) DeleteByPrefix(ctx context.Context, userID, prefix string) (int, error) {
	pattern := rowKey(userID, prefix) + "*"
	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// RedisVersions tracks the per-user metadata version counter. The counter
// only moves forward; a user with no recorded bumps reads as zero.
type RedisVersions struct {
	client *redis.Client
}

// NewRedisVersions wraps a connected client.
func NewRedisVersions(client *redis.Client) *RedisVersions {
	return &RedisVersions{client: client}
}

func (s *RedisVersions) Current(ctx context.Context, userID string) (int64, error) {
	value, err := s.client.Get(ctx, versionKeyPrefix+userID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

func (s *RedisVersions) Bump(ctx context.Context, userID string) (int64, error) {
	return s.client.Incr(ctx, versionKeyPrefix+userID).Result()
}
