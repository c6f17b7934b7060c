package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/promptcraft/chat-gateway/internal/config"
)

type window struct {
	start time.Time
	count int64
}

// MemoryLimiter keeps fixed-window counters in process memory. It is only
// correct for a single gateway instance.
type MemoryLimiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

func NewMemoryLimiter(cfg config.RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *MemoryLimiter) TryConsume(_ context.Context, userID, tier string) (Decision, error) {
	limit := l.cfg.LimitFor(tier)
	now := l.now()
	start, resetAt := windowBounds(now, l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(start)

	w, ok := l.windows[userID]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[userID] = w
	}

	if w.count >= limit {
		return decide(w.count, limit, false, now, resetAt), nil
	}
	w.count++
	return decide(w.count, limit, true, now, resetAt), nil
}

// sweep drops counters from past windows, at most once per window.
func (l *MemoryLimiter) sweep(current time.Time) {
	if !l.lastSweep.Before(current) {
		return
	}
	for user, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, user)
		}
	}
	l.lastSweep = current
}
