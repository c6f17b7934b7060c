package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// SetHeaders writes the rate limit headers for d. Retry-After is only set on denial.
func SetHeaders(h http.Header, d Decision) {
	h.Set(headerRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(headerRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(headerRateLimitReset, d.ResetAt.UTC().Format(time.RFC3339))
	if !d.Allowed {
		h.Set(headerRetryAfter, strconv.Itoa(RetryAfterSeconds(d)))
	}
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, minimum 1.
func RetryAfterSeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
