package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/unprice/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := bucket.Allow(ctx, "rl:test", 1, 3)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should pass", i)
	}

	result, err := bucket.Allow(ctx, "rl:test", 1, 3)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestTokenBucketRefills(t *testing.T) {
	mr, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := bucket.Allow(ctx, "rl:refill", 10, 2)
		require.NoError(t, err)
	}
	result, err := bucket.Allow(ctx, "rl:refill", 10, 2)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	// 10 tokens/s: half a second buys five more requests.
	mr.FastForward(500 * time.Millisecond)

	result, err = bucket.Allow(ctx, "rl:refill", 10, 2)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestTokenBucketIsolatesKeys(t *testing.T) {
	_, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	result, err := bucket.Allow(ctx, "rl:a", 1, 1)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	result, err = bucket.Allow(ctx, "rl:a", 1, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	result, err = bucket.Allow(ctx, "rl:b", 1, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestEdgeLimiterDisabledAllowsAll(t *testing.T) {
	limiter := NewEdgeLimiter(config.Config{}, nil)

	result, err := limiter.AllowProject(context.Background(), "proj_1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.AllowCustomer(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestEdgeLimiterPerCustomer(t *testing.T) {
	_, client := newTestClient(t)
	limiter := NewEdgeLimiter(config.Config{
		RateLimit: config.RateLimitConfig{
			Enabled:       true,
			ProjectRate:   100,
			ProjectBurst:  100,
			CustomerRate:  1,
			CustomerBurst: 1,
		},
	}, client)
	ctx := context.Background()

	result, err := limiter.AllowCustomer(ctx, "proj_1", "cust_1")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	result, err = limiter.AllowCustomer(ctx, "proj_1", "cust_1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A sibling customer has its own bucket.
	result, err = limiter.AllowCustomer(ctx, "proj_1", "cust_2")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLockerMutualExclusion(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()
	key := LeaseKey("proj_1", "cust_1")

	token, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, key, token))

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerReleaseIsFenced(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()
	key := LeaseKey("proj_1", "cust_1")

	token, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder cannot release someone else's lease.
	require.NoError(t, locker.Release(ctx, key, "stale-token"))
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, key, token))
}

func TestLockerRefresh(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()
	key := LeaseKey("proj_1", "cust_1")

	token, ok, err := locker.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locker.Refresh(ctx, key, token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Refresh with the wrong token must not extend the lease.
	ok, err = locker.Refresh(ctx, key, "stale-token", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The lease expires once the TTL lapses without a refresh.
	mr.FastForward(2 * time.Minute)
	_, ok, err = locker.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
