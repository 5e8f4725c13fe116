package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrelay/authrelay/cache"
)

const (
	authzCacheKeyPrefix = "authz:decision"

	// authzTTLCeiling caps how long a policy decision may be served from
	// cache, whatever the configured TTL says. Stale permission grants are
	// a bigger hazard than extra policy-service round trips.
	authzTTLCeiling = 5 * time.Minute
)

var errAuthzCacheBackend = errors.New("authorization cache backend unavailable")

// authzCache stores policy decisions keyed by (user, resource, action).
// Allow and deny decisions are both cached; only the TTL is ceiling-capped.
type authzCache struct {
	cache *cache.Gateway
	ttl   time.Duration
}

func newAuthzCache(gw *cache.Gateway, ttl time.Duration) *authzCache {
	if ttl <= 0 || ttl > authzTTLCeiling {
		ttl = authzTTLCeiling
	}
	return &authzCache{cache: gw, ttl: ttl}
}

func (c *authzCache) key(userID, resource, action string) string {
	return c.cache.Key(authzCacheKeyPrefix, userID, resource, action)
}

// Get returns the cached decision, or nil on miss.
func (c *authzCache) Get(ctx context.Context, userID, resource, action string) (*AuthorizationResult, error) {
	var result AuthorizationResult
	err := c.cache.GetJSON(ctx, c.key(userID, resource, action), &result)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errAuthzCacheBackend, err)
	}
	result.Cached = true
	return &result, nil
}

func (c *authzCache) Put(ctx context.Context, userID, resource, action string, result *AuthorizationResult) error {
	if err := c.cache.SetJSON(ctx, c.key(userID, resource, action), result, c.ttl); err != nil {
		return fmt.Errorf("%w: %v", errAuthzCacheBackend, err)
	}
	return nil
}

// Invalidate drops a single cached decision, for callers that know a grant
// changed before the TTL lapses.
func (c *authzCache) Invalidate(ctx context.Context, userID, resource, action string) error {
	if err := c.cache.Delete(ctx, c.key(userID, resource, action)); err != nil {
		return fmt.Errorf("%w: %v", errAuthzCacheBackend, err)
	}
	return nil
}
