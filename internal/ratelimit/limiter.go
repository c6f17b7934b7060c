package ratelimit

import (
	"context"
	"time"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter enforces a fixed-window request quota per user. A successful
// TryConsume with Allowed=true has counted the request; a denied one has not.
type Limiter interface {
	TryConsume(ctx context.Context, userID, tier string) (Decision, error)
}

// New builds the limiter selected by cfg.Backend.
func New(cfg config.RateLimitConfig, rdb redis.Scripter) Limiter {
	if cfg.Backend == "redis" && rdb != nil {
		return NewRedisLimiter(rdb, cfg)
	}
	return NewMemoryLimiter(cfg)
}

// windowBounds returns the start of the fixed window containing now and the
// time it resets.
func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

func decide(count, limit int64, allowed bool, now, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d
}
