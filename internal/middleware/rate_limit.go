package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// RateLimitConfig configures a sliding-window limiter.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(*gin.Context) string
}

// RateLimiter enforces RATE_LIMIT_PUBLIC_PER_MIN (spec.md §6) on the public
// booking endpoint via a Redis sorted-set sliding window, generalized from
// the teacher's IP-keyed limiter to key on tenant_id so one noisy tenant
// cannot exhaust another's budget.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	logger *logger.Logger
}

// NewRateLimiter creates a RateLimiter. A nil KeyFunc falls back to
// c.ClientIP().
func NewRateLimiter(redisClient *redis.Client, config RateLimitConfig, log *logger.Logger) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	return &RateLimiter{redis: redisClient, config: config, logger: log}
}

// Middleware returns the rate-limiting Gin handler. On Redis failure the
// request proceeds unthrottled rather than failing closed — infrastructure
// errors must not take down the public booking path.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit:%s", rl.config.KeyFunc(c))
		allowed, remaining, resetAt, err := rl.checkLimit(c.Request.Context(), key)
		if err != nil {
			rl.logger.Warn("rate limit check failed, allowing request", "error", err, "key", key)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			ProblemJSON(c, rl.logger, apperr.New(apperr.CodeRateLimited, "too many requests"))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) checkLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time, err error) {
	now := time.Now()
	window := rl.config.Window

	pipe := rl.redis.Pipeline()
	expiredBefore := now.Add(-window).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(expiredBefore, 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	currentCount := countCmd.Val()
	remaining = rl.config.Requests - int(currentCount) - 1
	if remaining < 0 {
		remaining = 0
	}

	return currentCount < int64(rl.config.Requests), remaining, now.Add(window), nil
}

// PublicBookingRateLimit builds the limiter spec.md §6's
// RATE_LIMIT_PUBLIC_PER_MIN governs, keyed on tenant_id. This middleware
// runs ahead of the handler, so it peeks tenant_id out of the JSON body
// itself and restores the body for the handler to read again.
func PublicBookingRateLimit(redisClient *redis.Client, requestsPerMinute int, log *logger.Logger) gin.HandlerFunc {
	limiter := NewRateLimiter(redisClient, RateLimitConfig{
		Requests: requestsPerMinute,
		Window:   time.Minute,
		KeyFunc: func(c *gin.Context) string {
			if tenantID, exists := c.Get("tenant_id"); exists {
				return fmt.Sprintf("tenant:%v", tenantID)
			}
			return fmt.Sprintf("ip:%s", c.ClientIP())
		},
	}, log)

	peekTenantID := func(c *gin.Context) {
		rawBody, err := c.GetRawData()
		if err != nil {
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(rawBody))

		var body struct {
			TenantID string `json:"tenant_id"`
		}
		if err := json.Unmarshal(rawBody, &body); err == nil && body.TenantID != "" {
			c.Set("tenant_id", body.TenantID)
		}
	}

	limitFn := limiter.Middleware()
	return func(c *gin.Context) {
		peekTenantID(c)
		limitFn(c)
	}
}
