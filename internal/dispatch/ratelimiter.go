package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps deliveries per webhook host with a sliding window in
// Redis. Each host has a sorted set of recent delivery timestamps; a Lua
// script atomically trims the window, checks the count and records the new
// delivery.
type RateLimiter struct {
	redisClient *redis.Client
	limit       int
	script      *redis.Script
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
else
    return 0
end
`)

// NewRateLimiter returns a limiter allowing at most limit deliveries per
// second per webhook host. A limit of zero or less returns nil: rate
// limiting disabled.
func NewRateLimiter(redisClient *redis.Client, limit int) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	return &RateLimiter{
		redisClient: redisClient,
		limit:       limit,
		script:      slidingWindowScript,
	}
}

func rlKey(webhookURL string) string {
	host := webhookURL
	if u, err := url.Parse(webhookURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("rl:%s", host)
}

// Allow reports whether a delivery to this webhook is within the limit.
func (rl *RateLimiter) Allow(ctx context.Context, webhookURL string) (bool, error) {
	key := rlKey(webhookURL)
	now := time.Now().UnixMilli()
	window := int64(1000)
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%10000)

	result, err := rl.script.Run(ctx, rl.redisClient, []string{key},
		now, window, rl.limit, member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("running rate limit script: %w", err)
	}
	return result == 1, nil
}
