// Package cache is the typed gateway to the key-value store. Every engine
// component persists through it; no entity outlives its TTL in process
// memory. Values are JSON envelopes; counters and sets use the store's own
// primitives so individual key operations stay atomic.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned when a key does not exist (or has expired).
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable wraps transport and server errors from the store.
	ErrUnavailable = errors.New("cache unavailable")
)

// Gateway wraps a Redis client with a key prefix and JSON value envelopes.
// It is safe for concurrent use.
type Gateway struct {
	rdb    redis.UniversalClient
	prefix string
}

// New creates a Gateway. prefix namespaces every key ("" disables).
func New(rdb redis.UniversalClient, prefix string) *Gateway {
	return &Gateway{rdb: rdb, prefix: prefix}
}

// Key joins parts under the gateway prefix with ":" separators.
func (g *Gateway) Key(parts ...string) string {
	if g.prefix == "" {
		return strings.Join(parts, ":")
	}
	return g.prefix + ":" + strings.Join(parts, ":")
}

// GetJSON loads the value at key into dest. Returns ErrMiss when absent.
func (g *Gateway) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := g.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: corrupt value at %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// SetJSON stores value at key with the given TTL. ttl <= 0 stores without expiry.
func (g *Gateway) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrUnavailable, key, err)
	}
	if err := g.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetString loads a plain string value. Returns ErrMiss when absent.
func (g *Gateway) GetString(ctx context.Context, key string) (string, error) {
	v, err := g.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

// SetString stores a plain string value with the given TTL.
func (g *Gateway) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := g.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (g *Gateway) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := g.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteCounted removes a single key and reports whether it existed.
func (g *Gateway) DeleteCounted(ctx context.Context, key string) (bool, error) {
	n, err := g.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// SetAdd adds members to the set at key.
func (g *Gateway) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := g.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetMembers returns all members of the set at key. Missing sets are empty.
func (g *Gateway) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := g.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return members, nil
}

// SetRemove removes members from the set at key and returns how many were
// actually present. The count is what makes single-use semantics (backup
// codes) atomic: a concurrent duplicate redemption sees 0.
func (g *Gateway) SetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := g.rdb.SRem(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// SetCard returns the cardinality of the set at key.
func (g *Gateway) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := g.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Expire sets the TTL on an existing key.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := g.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IncrWithTTL atomically increments the counter at key and arms the TTL on
// the first hit in the window, so the counter self-resets when the window
// lapses.
func (g *Gateway) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := g.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}

// Watch runs fn inside an optimistic WATCH transaction over the given keys,
// retrying on conflict a bounded number of times. fn observes via tx and
// commits via tx.TxPipelined.
func (g *Gateway) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	const maxRetries = 4
	for i := 0; i < maxRetries; i++ {
		err := g.rdb.Watch(ctx, fn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: transaction contention on %v", ErrUnavailable, keys)
}
