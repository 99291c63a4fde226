package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript counts and conditionally records one attempt inside
// a sliding window, atomically.
// KEYS[1] = bucket key
// ARGV[1] = window ms
// ARGV[2] = limit
// ARGV[3] = now (unix ms)
// ARGV[4] = unique member suffix
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
    return {0, 0}
end
redis.call("ZADD", key, now, now .. "-" .. ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, limit - count - 1}
`)

// RedisBuckets is a BucketStore backed by Redis sorted sets, for agents
// that share action budgets across processes.
type RedisBuckets struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisBuckets connects a bucket store to Redis. keyPrefix namespaces
// the sorted sets (defaults to "agenc:policy").
func NewRedisBuckets(addr, password string, db int, keyPrefix string) *RedisBuckets {
	if keyPrefix == "" {
		keyPrefix = "agenc:policy"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBuckets{
		client: rdb,
		prefix: keyPrefix,
		clock:  time.Now,
	}
}

func (s *RedisBuckets) Allow(ctx context.Context, key string, windowMs int64, limit int) (bool, int64, error) {
	now := s.clock().UnixMilli()
	member := fmt.Sprintf("%d", s.clock().UnixNano())
	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key}, windowMs, limit, now, member).Result()
	if err != nil {
		return false, 0, fmt.Errorf("policy: redis bucket: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("policy: unexpected redis script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	remaining, _ := results[1].(int64)
	return allowed == 1, remaining, nil
}

func (s *RedisBuckets) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("policy: redis reset: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("policy: redis scan: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisBuckets) Close() error { return s.client.Close() }
