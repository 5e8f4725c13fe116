// Package rate enforces fixed-window attempt budgets on Redis counters.
// Windows are armed on the first hit and self-reset when the TTL lapses.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	// MaxAttempts is the per-window budget for challenge and login actions.
	MaxAttempts int
	// Window is the fixed counter window.
	Window time.Duration
	// DailyMax bounds per-email issuance actions per calendar day.
	DailyMax int
}

// Limiter enforces per-subject action budgets using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) actionKey(action, subject string) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", l.prefix, action, subject)
}

func (l *Limiter) dailyKey(action, subject string, day time.Time) string {
	return fmt.Sprintf("%s:ratelimit:daily:%s:%s:%s", l.prefix, action, subject, day.UTC().Format("2006-01-02"))
}

// CheckAndIncrement charges one attempt against the subject's window and
// returns ErrRateLimited once the budget is exhausted. The attempt that
// crosses the budget is counted, so the caller can surface retry timing
// from the window TTL.
func (l *Limiter) CheckAndIncrement(ctx context.Context, action, subject string) error {
	count, err := l.incrementWithTTL(ctx, l.actionKey(action, subject), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// Attempts returns the current window counter for a subject. Missing keys
// return zero and do not reveal subject existence.
func (l *Limiter) Attempts(ctx context.Context, action, subject string) (int, error) {
	count, err := l.redis.Get(ctx, l.actionKey(action, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears a subject's window counter. Called after a successful
// completion of the guarded action.
func (l *Limiter) Reset(ctx context.Context, action, subject string) error {
	if err := l.redis.Del(ctx, l.actionKey(action, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CheckAndIncrementDaily charges one unit against the subject's calendar-day
// budget. The key carries the UTC date, so the counter rolls over at
// midnight regardless of TTL drift.
func (l *Limiter) CheckAndIncrementDaily(ctx context.Context, action, subject string, now time.Time) error {
	key := l.dailyKey(action, subject, now)
	count, err := l.incrementWithTTL(ctx, key, untilEndOfDay(now))
	if err != nil {
		return err
	}
	if count > int64(l.config.DailyMax) {
		return ErrRateLimited
	}
	return nil
}

// DailyCount returns the subject's issuance count for the given day.
func (l *Limiter) DailyCount(ctx context.Context, action, subject string, now time.Time) (int, error) {
	count, err := l.redis.Get(ctx, l.dailyKey(action, subject, now)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func untilEndOfDay(now time.Time) time.Duration {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	d := midnight.Sub(now)
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
