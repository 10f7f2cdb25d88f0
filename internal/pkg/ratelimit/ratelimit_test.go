package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLimiter(client, "test:rl", limit, window), mr
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	limiter, _ := setupLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "203.0.113.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestLimiter_KeysAreIsolated(t *testing.T) {
	limiter, _ := setupLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	// 不同来源各有各的窗口
	allowed, err = limiter.Allow(ctx, "198.51.100.2")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestLimiter_WindowSlides(t *testing.T) {
	limiter, _ := setupLimiter(t, 1, time.Second)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// 窗口按真实时间滑动，等旧记录滑出去
	time.Sleep(1100 * time.Millisecond)

	allowed, err = limiter.Allow(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiter_ConcurrentCallersStayWithinLimit(t *testing.T) {
	limiter, _ := setupLimiter(t, 5, time.Minute)
	ctx := context.Background()

	// 检查和记账必须原子，否则并发请求会一起挤过阈值
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, "203.0.113.1")
			if err == nil && ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed)
}

func TestLimiter_RedisError(t *testing.T) {
	limiter, mr := setupLimiter(t, 1, time.Minute)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "203.0.113.1")
	assert.Error(t, err)
}
