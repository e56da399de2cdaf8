package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter over Redis, keyed by caller identifier
// and endpoint. INCR creates the window atomically; the first hit sets the
// expiry so the window always drains.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
	max    int64
}

// LimitedError reports a denied request and how long until the window opens.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

// New builds a limiter allowing max requests per window.
func New(rdb *redis.Client, window time.Duration, max int) *Limiter {
	return &Limiter{rdb: rdb, window: window, max: int64(max)}
}

// Allow counts one request. Over-limit callers get a LimitedError; Redis
// failures surface as errors so the HTTP layer can decide whether to fail
// open.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) error {
	key := "rl:" + endpoint + ":" + identifier

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if count <= l.max {
		return nil
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return &LimitedError{RetryAfter: ttl}
}

// Remaining reports how many requests the window has left, for response
// headers. Missing keys mean a fresh window.
func (l *Limiter) Remaining(ctx context.Context, identifier, endpoint string) (int64, error) {
	key := "rl:" + endpoint + ":" + identifier
	count, err := l.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return l.max, nil
	}
	if err != nil {
		return 0, err
	}
	if count >= l.max {
		return 0, nil
	}
	return l.max - count, nil
}
