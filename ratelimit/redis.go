package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fixedWindowScript 原子地占用窗口额度；超额时回滚并返回剩余 TTL。
// KEYS[1] 窗口键；ARGV[1] cost；ARGV[2] 窗口毫秒；ARGV[3] limit。
// 返回 {allowed, used, ttl_ms}。
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	local used = redis.call('INCRBY', key, cost)
	if used == cost then
		redis.call('PEXPIRE', key, window)
	end

	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		redis.call('PEXPIRE', key, window)
		ttl = window
	end

	if used > limit then
		used = redis.call('DECRBY', key, cost)
		return {0, used, ttl}
	end
	return {1, used, ttl}
`)

// RedisLimiter shares the window across processes through Redis.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		rdb:    rdb,
		cfg:    cfg.normalize(),
		now:    time.Now,
		logger: logger.With(zap.String("component", "ratelimit"), zap.String("backend", "redis")),
	}
}

func (l *RedisLimiter) key(key string) string {
	return l.cfg.KeyPrefix + key
}

// TryAcquire implements Limiter.
func (l *RedisLimiter) TryAcquire(ctx context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		return Result{}, ErrInvalidCost
	}
	now := l.now()
	if res, denied := denyOversized(l.cfg, cost, now); denied {
		return res, nil
	}

	vals, err := fixedWindowScript.Run(ctx, l.rdb, []string{l.key(key)},
		cost, l.cfg.Window.Milliseconds(), l.cfg.Limit).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("redis rate limit script: unexpected reply %v", vals)
	}

	allowed, used, ttl := vals[0] == 1, int(vals[1]), time.Duration(vals[2])*time.Millisecond
	res := Result{
		Allowed:   allowed,
		Limit:     l.cfg.Limit,
		Used:      used,
		Remaining: max(0, l.cfg.Limit-used),
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		res.RetryAfter = ttl
		l.logger.Debug("rate limited", zap.String("key", key), zap.Int("used", used), zap.Duration("retry_after", ttl))
	}
	return res, nil
}
