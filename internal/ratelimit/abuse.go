package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AbuseTracker scores identifiers by the variety of failures they produce.
// A caller failing in several distinct ways inside the window looks like
// probing, not a typo, and gets an extended block.
type AbuseTracker struct {
	rdb       *redis.Client
	window    time.Duration
	threshold int64
	blockFor  time.Duration
}

// NewAbuseTracker blocks an identifier for blockFor once it accumulates
// threshold distinct failure kinds within the window.
func NewAbuseTracker(rdb *redis.Client, window time.Duration, threshold int, blockFor time.Duration) *AbuseTracker {
	return &AbuseTracker{rdb: rdb, window: window, threshold: int64(threshold), blockFor: blockFor}
}

// RecordFailure notes one failure kind for the identifier. Crossing the
// threshold sets the block key.
func (a *AbuseTracker) RecordFailure(ctx context.Context, identifier, kind string) error {
	key := "abuse:score:" + identifier

	n, err := a.rdb.SAdd(ctx, key, kind).Result()
	if err != nil {
		return fmt.Errorf("abuse sadd: %w", err)
	}
	if n == 1 {
		// First member also starts the window.
		if err := a.rdb.Expire(ctx, key, a.window).Err(); err != nil {
			return fmt.Errorf("abuse expire: %w", err)
		}
	}
	size, err := a.rdb.SCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("abuse scard: %w", err)
	}
	if size >= a.threshold {
		if err := a.rdb.Set(ctx, "abuse:block:"+identifier, "1", a.blockFor).Err(); err != nil {
			return fmt.Errorf("abuse block: %w", err)
		}
	}
	return nil
}

// Blocked reports whether the identifier is under an abuse block, and for
// how much longer.
func (a *AbuseTracker) Blocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	ttl, err := a.rdb.TTL(ctx, "abuse:block:"+identifier).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}
