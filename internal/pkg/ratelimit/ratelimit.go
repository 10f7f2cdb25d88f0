package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// 修剪、计数、记账一个脚本原子完成，并发请求无法同时挤过阈值
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Limiter 基于 Redis ZSET 的滑动窗口限流器。
// 计数器放在 Redis 而不是进程内存，多副本部署时窗口仍然一致。
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	seq    uint64
}

func NewLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow 判断 key（通常为来源 IP）当前窗口内是否还有配额
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)
	windowStart := now.Add(-l.window).UnixMilli()

	// 成员带进程内序号，同一毫秒的两个请求也是两条记录
	member := fmt.Sprintf("%d-%d", now.UnixMilli(), atomic.AddUint64(&l.seq, 1))

	res, err := allowScript.Run(ctx, l.client, []string{redisKey},
		windowStart, l.limit, now.UnixMilli(), member, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return res == 1, nil
}
