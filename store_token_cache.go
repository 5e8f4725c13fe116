package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrelay/authrelay/cache"

	"github.com/authrelay/authrelay/internal/secrets"
)

const (
	tokenCacheKeyPrefix = "token:valid"
	tokenTagKeyPrefix   = "token:user"
	tokenRolesKeyPrefix = "token:roles"
)

var errTokenCacheBackend = errors.New("token cache backend unavailable")

// tokenCache stores positive validation results keyed by token digest, with
// a per-user tag set so one user's entries can be dropped in bulk, plus the
// user's last-seen role set for authorization input. Invalid results are
// never cached; a rejected token is re-checked every time.
type tokenCache struct {
	cache *cache.Gateway
	ttl   time.Duration
}

func newTokenCache(gw *cache.Gateway, ttl time.Duration) *tokenCache {
	return &tokenCache{cache: gw, ttl: ttl}
}

func (c *tokenCache) key(tokenDigest string) string {
	return c.cache.Key(tokenCacheKeyPrefix, tokenDigest)
}

func (c *tokenCache) tagKey(userID string) string {
	return c.cache.Key(tokenTagKeyPrefix, userID)
}

func (c *tokenCache) rolesKey(userID string) string {
	return c.cache.Key(tokenRolesKeyPrefix, userID)
}

// Get returns the cached validation for the token, or nil on miss.
func (c *tokenCache) Get(ctx context.Context, token string) (*TokenValidationResult, error) {
	var result TokenValidationResult
	err := c.cache.GetJSON(ctx, c.key(secrets.Digest(token)), &result)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}
	return &result, nil
}

// Put caches a positive validation and tags it under the user. Results with
// Valid=false are dropped silently.
func (c *tokenCache) Put(ctx context.Context, token string, result *TokenValidationResult) error {
	if result == nil || !result.Valid {
		return nil
	}
	digest := secrets.Digest(token)
	if err := c.cache.SetJSON(ctx, c.key(digest), result, c.ttl); err != nil {
		return fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}
	if result.UserID != "" {
		tag := c.tagKey(result.UserID)
		if err := c.cache.SetAdd(ctx, tag, digest); err != nil {
			return fmt.Errorf("%w: %v", errTokenCacheBackend, err)
		}
		// The tag set outlives its newest entry by the cache TTL, so it can
		// never strand entries.
		if err := c.cache.Expire(ctx, tag, 2*c.ttl); err != nil {
			return fmt.Errorf("%w: %v", errTokenCacheBackend, err)
		}
		if err := c.cache.SetJSON(ctx, c.rolesKey(result.UserID), result.Roles, 2*c.ttl); err != nil {
			return fmt.Errorf("%w: %v", errTokenCacheBackend, err)
		}
	}
	return nil
}

// PrincipalRoles returns the roles recorded by the user's last cached
// validation, or nil when none is on record.
func (c *tokenCache) PrincipalRoles(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := c.cache.GetJSON(ctx, c.rolesKey(userID), &roles)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}
	return roles, nil
}

// InvalidateUser drops every cached validation tagged to the user and
// returns how many entries were removed.
func (c *tokenCache) InvalidateUser(ctx context.Context, userID string) (int, error) {
	tag := c.tagKey(userID)
	digests, err := c.cache.SetMembers(ctx, tag)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}

	removed := 0
	for _, digest := range digests {
		existed, err := c.cache.DeleteCounted(ctx, c.key(digest))
		if err != nil {
			return removed, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
		}
		if existed {
			removed++
		}
	}
	if err := c.cache.Delete(ctx, tag); err != nil {
		return removed, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}
	if err := c.cache.Delete(ctx, c.rolesKey(userID)); err != nil {
		return removed, fmt.Errorf("%w: %v", errTokenCacheBackend, err)
	}
	return removed, nil
}
