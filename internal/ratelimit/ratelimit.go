// Package ratelimit gates inbound requests per actor with an in-process
// 60-second token-bucket tier backed by golang.org/x/time/rate, and a
// persistent daily-window tier cached in Redis and durably recorded in
// Postgres.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fedi3/node/internal/store"
)

// Config configures a Limiter.
type Config struct {
	DB             *store.DB
	Redis          *redis.Client
	ReqsPerMinute  int
	BytesPerMinute int
	DailyReqCap    int64
	DailyByteCap   int64
}

// Limiter enforces the per-actor sliding-window + daily-quota policy from
// spec.md §4.3 step 1.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	reqBkt   map[string]*rate.Limiter
	byteBkt  map[string]*rate.Limiter
}

// NewLimiter builds a Limiter against the given store and optional Redis
// cache (nil Redis falls back to checking Postgres directly).
func NewLimiter(cfg Config) *Limiter {
	if cfg.ReqsPerMinute <= 0 {
		cfg.ReqsPerMinute = 600
	}
	if cfg.BytesPerMinute <= 0 {
		cfg.BytesPerMinute = 10 * 1024 * 1024
	}
	if cfg.DailyReqCap <= 0 {
		cfg.DailyReqCap = 50000
	}
	if cfg.DailyByteCap <= 0 {
		cfg.DailyByteCap = 500 * 1024 * 1024
	}
	return &Limiter{
		cfg:     cfg,
		reqBkt:  make(map[string]*rate.Limiter),
		byteBkt: make(map[string]*rate.Limiter),
	}
}

// Decision reports whether a request is allowed and, if not, why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow checks the in-process 60s window for actorKey (a hashed actor id or
// remote IP), then the persistent daily window, bumping counters as it goes.
// Exceeding either window denies the request; callers increment abuse
// strikes themselves via blocklist's Guard.Strike so that strike policy stays in
// one place.
func (l *Limiter) Allow(ctx context.Context, actorKey string, bodyBytes int, nowMs int64) (Decision, error) {
	l.mu.Lock()
	rb, ok := l.reqBkt[actorKey]
	if !ok {
		rb = rate.NewLimiter(rate.Limit(float64(l.cfg.ReqsPerMinute)/60.0), l.cfg.ReqsPerMinute)
		l.reqBkt[actorKey] = rb
	}
	bb, ok := l.byteBkt[actorKey]
	if !ok {
		bb = rate.NewLimiter(rate.Limit(float64(l.cfg.BytesPerMinute)/60.0), l.cfg.BytesPerMinute)
		l.byteBkt[actorKey] = bb
	}
	l.mu.Unlock()

	if !rb.Allow() {
		return Decision{Allowed: false, Reason: "requests per minute exceeded"}, nil
	}
	if !bb.AllowN(time.Now(), bodyBytes) {
		return Decision{Allowed: false, Reason: "bytes per minute exceeded"}, nil
	}

	windowStart := dayWindow(nowMs)
	quotaKey := "daily:" + actorKey

	if l.cfg.Redis != nil {
		if decision, ok, err := l.checkRedisDaily(ctx, quotaKey, windowStart, bodyBytes); err == nil && ok {
			if !decision.Allowed {
				return decision, nil
			}
		}
	}

	if l.cfg.DB == nil {
		return Decision{Allowed: true}, nil
	}
	reqs, bytes, err := l.cfg.DB.BumpQuotaWindow(ctx, quotaKey, windowStart, 1, int64(bodyBytes), nowMs)
	if err != nil {
		return Decision{}, fmt.Errorf("bumping daily quota window: %w", err)
	}
	if reqs > l.cfg.DailyReqCap || bytes > l.cfg.DailyByteCap {
		return Decision{Allowed: false, Reason: "daily quota exceeded"}, nil
	}
	return Decision{Allowed: true}, nil
}

// checkRedisDaily consults the Redis cache tier for the daily window,
// returning ok=false when the cache could not answer (caller falls back to
// Postgres as the source of truth).
func (l *Limiter) checkRedisDaily(ctx context.Context, quotaKey string, windowStart int64, bodyBytes int) (Decision, bool, error) {
	cacheKey := fmt.Sprintf("ratelimit:%s:%d", quotaKey, windowStart)
	reqs, err := l.cfg.Redis.Incr(ctx, cacheKey).Result()
	if err != nil {
		return Decision{}, false, err
	}
	if reqs == 1 {
		l.cfg.Redis.Expire(ctx, cacheKey, 25*time.Hour)
	}
	bytesKey := cacheKey + ":bytes"
	bytes, err := l.cfg.Redis.IncrBy(ctx, bytesKey, int64(bodyBytes)).Result()
	if err != nil {
		return Decision{}, false, err
	}
	if bytes == int64(bodyBytes) {
		l.cfg.Redis.Expire(ctx, bytesKey, 25*time.Hour)
	}
	if reqs > l.cfg.DailyReqCap || bytes > l.cfg.DailyByteCap {
		return Decision{Allowed: false, Reason: "daily quota exceeded"}, true, nil
	}
	return Decision{Allowed: true}, true, nil
}

func dayWindow(nowMs int64) int64 {
	const dayMs = 86400_000
	return (nowMs / dayMs) * dayMs
}
