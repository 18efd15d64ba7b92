package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/velora/dispatch/pkg/config"
)

// Result captures the outcome of a rate limiting decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
}

// Limiter implements a Redis-backed fixed-window counter keyed
// rl:{scope}:{key}. The counter always expires with the scope's declared
// window, never a fixed fallback TTL.
type Limiter struct {
	client redis.Cmdable
	cfg    config.RateLimitConfig
	script *redis.Script
	now    func() time.Time
}

const windowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
    redis.call("PEXPIRE", key, windowMs)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
    redis.call("PEXPIRE", key, windowMs)
    ttl = windowMs
end

local allowed = 0
if count <= limit then
    allowed = 1
end

return {allowed, limit - count, ttl}
`

// NewLimiter creates a new Limiter instance.
func NewLimiter(client redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(windowScript),
		now:    time.Now,
	}
}

// Allow records one hit for key under scope and reports whether it is
// within the scope's limit. Unknown scopes fall back to the api scope.
func (l *Limiter) Allow(ctx context.Context, scope, key string) (*Result, error) {
	if !l.cfg.Enabled {
		return &Result{Allowed: true}, nil
	}

	rule, ok := l.cfg.Scopes[scope]
	if !ok {
		rule = l.cfg.Scopes["api"]
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return &Result{Allowed: true}, nil
	}

	redisKey := fmt.Sprintf("%s:%s:%s", l.cfg.Prefix, scope, key)
	raw, err := l.script.Run(ctx, l.client, []string{redisKey},
		rule.Limit, rule.Window.Milliseconds()).Result()
	if err != nil {
		// Fail open: a cache hiccup must not take down dispatch traffic.
		return &Result{Allowed: true, Limit: rule.Limit, Window: rule.Window}, err
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return &Result{Allowed: true, Limit: rule.Limit, Window: rule.Window}, nil
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	ttlMs, _ := vals[2].(int64)
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		Limit:     rule.Limit,
		Window:    rule.Window,
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(ttlMs) * time.Millisecond
	}
	return res, nil
}
