package quota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"inlet/internal/constants"
	"inlet/pkg/circuitbreaker"
	"inlet/pkg/metrics"
)

// Bucket is one counter to validate and charge in the shared store.
type Bucket struct {
	Key        string
	Limit      int64
	TTLSeconds int64
}

// Store is the client-side view of the shared quota counters. The store
// is the source of truth for exceed decisions; local state only shades
// its load.
type Store interface {
	// CheckAndIncrement atomically checks every bucket against its
	// limit and, only when none is exceeded, increments all of them
	// (reject-before-count). It returns the indexes of all exceeded
	// buckets; an empty slice means the charge was recorded.
	CheckAndIncrement(ctx context.Context, buckets []Bucket) ([]int, error)
}

// checkAndIncrementScript runs the whole decision in one round-trip so
// concurrent callers across the fleet cannot race past a limit. Buckets
// already at their limit are collected without incrementing anything.
var checkAndIncrementScript = redis.NewScript(`
local exceeded = {}
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[(i - 1) * 2 + 1])
    local current = tonumber(redis.call('GET', key) or '0')
    if current >= limit then
        exceeded[#exceeded + 1] = i - 1
    end
end
if #exceeded > 0 then
    return exceeded
end
for i, key in ipairs(KEYS) do
    local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
    local value = redis.call('INCR', key)
    if value == 1 and ttl > 0 then
        redis.call('EXPIRE', key, ttl)
    end
end
return exceeded
`)

type RedisStore struct {
	client  *redis.Client
	breaker *circuitbreaker.Wrapper
}

func NewRedisStore(client *redis.Client, breaker *circuitbreaker.Wrapper) *RedisStore {
	return &RedisStore{
		client:  client,
		breaker: breaker,
	}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, buckets []Bucket) ([]int, error) {
	if len(buckets) == 0 {
		return nil, nil
	}

	keys := make([]string, len(buckets))
	argv := make([]interface{}, 0, len(buckets)*2)
	for i, b := range buckets {
		keys[i] = constants.QuotaKeyPrefix + b.Key
		argv = append(argv, b.Limit, b.TTLSeconds)
	}

	run := func() (interface{}, error) {
		return checkAndIncrementScript.Run(ctx, s.client, keys, argv...).Result()
	}

	var result interface{}
	var err error
	if s.breaker != nil {
		result, err = s.breaker.ExecuteWithContext(ctx, run)
	} else {
		result, err = run()
	}

	if err != nil {
		metrics.QuotaStoreRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("quota store request failed: %w", err)
	}
	metrics.QuotaStoreRequestsTotal.WithLabelValues("ok").Inc()

	return parseExceeded(result)
}

func parseExceeded(result interface{}) ([]int, error) {
	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected quota script reply type %T", result)
	}

	exceeded := make([]int, 0, len(raw))
	for _, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected quota script element type %T", v)
		}
		exceeded = append(exceeded, int(n))
	}
	return exceeded, nil
}
