package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inlet/internal/envelope"
	"inlet/internal/quota"
)

func TestRedisStore_CheckAndIncrement(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)

	buckets := []quota.Bucket{
		{Key: "project:42:error:0", Limit: 3, TTLSeconds: 120},
	}

	// The first three charges pass, the fourth is rejected.
	for i := 0; i < 3; i++ {
		exceeded, err := store.CheckAndIncrement(ctx, buckets)
		require.NoError(t, err)
		assert.Empty(t, exceeded)
	}

	exceeded, err := store.CheckAndIncrement(ctx, buckets)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, exceeded)
}

func TestRedisStore_RejectionDoesNotIncrement(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)

	tight := quota.Bucket{Key: "project:42:error:100", Limit: 1, TTLSeconds: 120}
	loose := quota.Bucket{Key: "org:7:error:100", Limit: 100, TTLSeconds: 120}

	exceeded, err := store.CheckAndIncrement(ctx, []quota.Bucket{tight, loose})
	require.NoError(t, err)
	require.Empty(t, exceeded)

	// The tight bucket is now full; further charges must reject and
	// leave the loose counter untouched.
	for i := 0; i < 5; i++ {
		exceeded, err = store.CheckAndIncrement(ctx, []quota.Bucket{tight, loose})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, exceeded)
	}

	val, err := infra.RedisClient.Get(ctx, "quota:org:7:error:100").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), val, "rejections never charge any counter")
}

func TestRedisStore_ReportsAllExceededBuckets(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)

	a := quota.Bucket{Key: "project:1:error:0", Limit: 1, TTLSeconds: 120}
	b := quota.Bucket{Key: "key:9:error:0", Limit: 1, TTLSeconds: 120}

	exceeded, err := store.CheckAndIncrement(ctx, []quota.Bucket{a, b})
	require.NoError(t, err)
	require.Empty(t, exceeded)

	exceeded, err = store.CheckAndIncrement(ctx, []quota.Bucket{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, exceeded)
}

func TestRedisStore_ConcurrentChargesNeverOvershoot(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)

	const limit = 50
	const workers = 20
	const attemptsPerWorker = 10

	buckets := []quota.Bucket{
		{Key: "project:42:transaction:0", Limit: limit, TTLSeconds: 120},
	}

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < attemptsPerWorker; i++ {
				exceeded, err := store.CheckAndIncrement(ctx, buckets)
				if err != nil {
					continue
				}
				if len(exceeded) == 0 {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted, "admissions must exactly match the limit under contention")

	val, err := infra.RedisClient.Get(ctx, "quota:project:42:transaction:0").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(limit), val)
}

func TestRedisStore_SetsCounterExpiry(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)

	buckets := []quota.Bucket{
		{Key: "project:42:session:0", Limit: 10, TTLSeconds: 60},
	}

	_, err := store.CheckAndIncrement(ctx, buckets)
	require.NoError(t, err)

	ttl, err := infra.RedisClient.TTL(ctx, "quota:project:42:session:0").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
	assert.LessOrEqual(t, ttl, 60*time.Second)
}

func TestRateLimiter_EndToEndAgainstRedis(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	store := quota.NewRedisStore(infra.RedisClient, nil)
	limiter := quota.NewRateLimiter(store, quota.RateLimiterConfig{
		VerdictCacheTTL: time.Millisecond, // force store round-trips
		OnStoreError:    "allow",
	}, createTestLogger())

	quotas := []quota.Quota{projectQuota(2, 3600, "project_quota")}
	scopes := quota.ScopeKeys{OrganizationID: "org-1", ProjectID: "42", KeyID: "key-1"}

	for i := 0; i < 2; i++ {
		rl, err := limiter.CheckAndCharge(ctx, quotas, envelope.CategoryError, scopes)
		require.NoError(t, err)
		assert.Nil(t, rl)
	}

	time.Sleep(2 * time.Millisecond)
	rl, err := limiter.CheckAndCharge(ctx, quotas, envelope.CategoryError, scopes)
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Equal(t, "project_quota", rl.ReasonCode)
}
