package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimit limits requests per (clientIP, path) within a fixed window using
// a process-local store. Suitable for single-instance deployments and tests.
func RateLimit(maxRequests int, window time.Duration) gin.HandlerFunc {
	return RateLimitWithStore(NewMemoryRateStore(), maxRequests, window)
}

// RateLimitWithStore limits requests per (clientIP, path) against the given
// store, allowing counters to be shared across instances when backed by the
// database cache.
func RateLimitWithStore(store RateStore, maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil || maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := "ratelimit:" + c.ClientIP() + "|" + c.FullPath()
		count, resetIn, err := store.Increment(c.Request.Context(), key, window)
		if err != nil {
			// Fail open: a broken counter should not take the API down.
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		remaining := maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > maxRequests {
			c.AbortWithStatus(429)
			return
		}

		c.Next()
	}
}
