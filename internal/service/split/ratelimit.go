package split

import (
	"context"
	"sync"
	"time"

	apperrors "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// rateLimiter throttles per-client mutation frequency so a rapid-typing or
// buggy client cannot flood the store. Redis-backed when available so the
// window holds across instances; a local counter covers tests and
// single-node runs.
type rateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	max    int

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(rdb *redis.Client, window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		rdb:    rdb,
		window: window,
		max:    max,
		local:  make(map[string]*localWindow),
	}
}

func (l *rateLimiter) Allow(ctx context.Context, clientID string) error {
	if l.rdb != nil {
		return l.allowRedis(ctx, clientID)
	}
	return l.allowLocal(clientID)
}

func (l *rateLimiter) allowRedis(ctx context.Context, clientID string) error {
	key := "split:rl:" + clientID
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		// Throttling is protective, not load-bearing; let the mutation
		// through rather than failing it on a redis hiccup.
		logger.Log.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	if n == 1 {
		l.rdb.Expire(ctx, key, l.window)
	}
	if int(n) > l.max {
		return apperrors.ErrRateLimited
	}
	return nil
}

func (l *rateLimiter) allowLocal(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.local[clientID]
	if w == nil || now.After(w.resetAt) {
		l.local[clientID] = &localWindow{count: 1, resetAt: now.Add(l.window)}
		return nil
	}
	w.count++
	if w.count > l.max {
		return apperrors.ErrRateLimited
	}
	return nil
}
