package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskflow/internal/auth"
	"taskflow/internal/redis"
)

const rateLimitKeyPrefix = "ratelimit:chat:"

// RateLimiter caps chat turns per user inside a fixed window. Counters live
// in redis so the limit holds across instances; without redis it degrades to
// a per-process in-memory window.
type RateLimiter struct {
	cache  *redis.Client
	limit  int
	window time.Duration
	logger *logrus.Logger

	mu     sync.Mutex
	local  map[int64]*windowCounter
	lastGC time.Time
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(cache *redis.Client, limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RateLimiter{
		cache:  cache,
		limit:  limit,
		window: window,
		logger: logger,
		local:  make(map[int64]*windowCounter),
		lastGC: time.Now(),
	}
}

// Allow records one attempt for the user and reports whether it is within
// the limit.
func (r *RateLimiter) Allow(ctx context.Context, userID int64) bool {
	if r.cache != nil {
		if allowed, ok := r.allowRedis(ctx, userID); ok {
			return allowed
		}
		// fall through when redis is unreachable: chat staying available
		// matters more than exact limits
	}
	return r.allowLocal(userID)
}

func (r *RateLimiter) allowRedis(ctx context.Context, userID int64) (allowed, ok bool) {
	key := fmt.Sprintf("%s%d", rateLimitKeyPrefix, userID)
	count, err := r.cache.Incr(ctx, key)
	if err != nil {
		r.logger.WithError(err).Warn("rate limit counter unavailable")
		return false, false
	}
	if count == 1 {
		if err := r.cache.Expire(ctx, key, r.window); err != nil {
			r.logger.WithError(err).Warn("rate limit expiry not set")
		}
	}
	return count <= int64(r.limit), true
}

func (r *RateLimiter) allowLocal(userID int64) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastGC) > r.window {
		for id, counter := range r.local {
			if now.After(counter.resetAt) {
				delete(r.local, id)
			}
		}
		r.lastGC = now
	}

	counter := r.local[userID]
	if counter == nil || now.After(counter.resetAt) {
		counter = &windowCounter{resetAt: now.Add(r.window)}
		r.local[userID] = counter
	}
	counter.count++
	return counter.count <= r.limit
}

// Middleware rejects over-limit chat requests with 429 before any model work
// starts.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if !r.Allow(c.Request.Context(), userID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many chat requests, slow down"})
			return
		}
		c.Next()
	}
}
