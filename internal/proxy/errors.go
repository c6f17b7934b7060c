package proxy

import (
	"errors"
	"fmt"

	"github.com/promptcraft/chat-gateway/internal/ratelimit"
)

// Pre-stream failures returned by Submit. No upstream call has been made
// when any of these is returned.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrPolicyDenied   = errors.New("denied by policy")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Causes attached to upstream failures.
var (
	ErrFirstChunkTimeout = errors.New("no chunk received before the first-chunk timeout")
	ErrChunkTimeout      = errors.New("upstream stalled between chunks")
	ErrStreamDuration    = errors.New("stream exceeded the maximum duration")
	ErrNoProvider        = errors.New("no provider available")
	ErrStreamClosed      = errors.New("stream closed by consumer")
)

// RateLimitedError carries the limiter decision so callers can set
// Retry-After and the rate limit headers.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %d requests per window, retry in %ds",
		ErrRateLimited, e.Decision.Limit, ratelimit.RetryAfterSeconds(e.Decision))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
