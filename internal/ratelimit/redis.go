package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically counts a request unless the window is full.
// KEYS[1] = counter key for the current window
// ARGV[1] = limit
// ARGV[2] = TTL milliseconds for the key
// Returns: [count, 1=allowed/0=denied]
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= limit then
    return {count, 0}
end

count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, ttl)
end
return {count, 1}
`)

// RedisLimiter shares fixed-window counters between gateway instances.
type RedisLimiter struct {
	rdb redis.Scripter
	cfg config.RateLimitConfig
	now func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, cfg config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, now: time.Now}
}

func (l *RedisLimiter) TryConsume(ctx context.Context, userID, tier string) (Decision, error) {
	limit := l.cfg.LimitFor(tier)
	now := l.now()
	start, resetAt := windowBounds(now, l.cfg.Window)

	key := fmt.Sprintf("promptcraft:rl:%s:%d", userID, start.Unix())
	ttl := resetAt.Sub(now) + time.Second

	result, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		if l.cfg.FailOpen {
			slog.Warn("rate limit backend unavailable, failing open", "user_id", userID, "error", err)
			return Decision{Allowed: true, Remaining: limit, Limit: limit, ResetAt: resetAt}, nil
		}
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", result)
	}

	return decide(result[0], limit, result[1] == 1, now, resetAt), nil
}
