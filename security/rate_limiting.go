package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"

	"ticket-gate/internal/status"
)

// RateLimiter counts requests in fixed Redis windows.
type RateLimiter struct {
	redis redis.UniversalClient

	manualLimit  int
	manualWindow time.Duration
}

func NewRateLimiter(redisClient redis.UniversalClient, manualLimit int, manualWindow time.Duration) *RateLimiter {
	if manualLimit <= 0 {
		manualLimit = 30
	}
	if manualWindow <= 0 {
		manualWindow = time.Minute
	}
	return &RateLimiter{redis: redisClient, manualLimit: manualLimit, manualWindow: manualWindow}
}

// Allow increments the counter at key and reports whether it is still within limit.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.redis.Expire(ctx, key, window)
	}
	return count <= int64(limit), nil
}

// AllowManualEntry limits hand-typed ticket ids per operator. Redis errors
// fail open so gates keep moving.
func (r *RateLimiter) AllowManualEntry(ctx context.Context, operatorID string) error {
	key := fmt.Sprintf("ratelimit:manual:%s", operatorID)
	ok, err := r.Allow(ctx, key, r.manualLimit, r.manualWindow)
	if err != nil {
		slog.Warn("Manual entry rate limit check failed", "error", err, "operator_id", operatorID)
		return nil
	}
	if !ok {
		return status.ErrRateLimited
	}
	return nil
}

// AntiBot rejects crawler user agents and caps requests per client IP per minute.
func (r *RateLimiter) AntiBot(perMinute int) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return e.ForbiddenError("Access denied", nil)
		}

		key := fmt.Sprintf("antibot:%s", e.RealIP())
		ok, err := r.Allow(e.Request.Context(), key, perMinute, time.Minute)
		if err == nil && !ok {
			return e.TooManyRequestsError("Too many requests", nil)
		}

		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
