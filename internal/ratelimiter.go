package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RateLimiter is a fixed-window limiter shared by every process through
// redis. Without redis it allows everything.
type RateLimiter struct {
	client redisCounter
	prefix string
	limits []RateLimit
	logger *Logger
}

type RateLimit struct {
	requests int
	window   time.Duration
}

// proxyRateLimits keep browser traffic well under the game API's own limits.
var proxyRateLimits = []RateLimit{
	{requests: 10, window: 1 * time.Second},
	{requests: 300, window: 5 * time.Minute},
}

func NewRateLimiter(cfg *Config, logger *Logger) *RateLimiter {
	rl := &RateLimiter{
		prefix: cfg.RateLimitRedisPrefix,
		limits: proxyRateLimits,
		logger: logger,
	}
	if !cfg.CacheEnabled {
		return rl
	}
	rl.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return rl
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if rl.client == nil {
		return true, nil
	}
	for _, limit := range rl.limits {
		allowed, err := rl.checkLimit(ctx, key, limit)
		if err != nil {
			rl.logger.Error("rate_limit_check_failed").
				Component("rate_limiter").
				Operation("check_limit").
				Err(err).
				Meta("key", key).
				Log()
			return false, err
		}
		if !allowed {
			rl.logger.Debug("rate_limit_blocked").
				Component("rate_limiter").
				Operation("check_limit").
				Meta("key", key).
				Meta("limit_requests", limit.requests).
				Meta("limit_window", limit.window.String()).
				Log()
			return false, nil
		}
	}
	return true, nil
}

func (rl *RateLimiter) checkLimit(ctx context.Context, key string, limit RateLimit) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, int(limit.window.Seconds()))

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, limit.window).Err(); err != nil {
			return false, err
		}
	}
	return int(count) <= limit.requests, nil
}

func (rl *RateLimiter) Close() error {
	if c, ok := rl.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
