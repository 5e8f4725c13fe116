package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrelay/authrelay/cache"
)

const pendingLoginKeyPrefix = "mfa:pending_login"

var (
	errPendingLoginNotFound = errors.New("pending login not found")
	errPendingLoginBackend  = errors.New("pending login backend unavailable")
)

// pendingLogin holds the token bundle the identity provider issued at the
// password grant, parked until the login's MFA challenge completes. The
// bundle is released exactly once.
type pendingLogin struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type pendingLoginStore struct {
	cache *cache.Gateway
}

func newPendingLoginStore(gw *cache.Gateway) *pendingLoginStore {
	return &pendingLoginStore{cache: gw}
}

func (s *pendingLoginStore) key(challengeID string) string {
	return s.cache.Key(pendingLoginKeyPrefix, challengeID)
}

// Save parks the bundle under the challenge ID for the challenge's lifetime.
func (s *pendingLoginStore) Save(ctx context.Context, challengeID string, record *pendingLogin, ttl time.Duration) error {
	if err := s.cache.SetJSON(ctx, s.key(challengeID), record, ttl); err != nil {
		return fmt.Errorf("%w: %v", errPendingLoginBackend, err)
	}
	return nil
}

// Take atomically loads and deletes the bundle. The delete count guarantees
// a bundle is released to exactly one caller.
func (s *pendingLoginStore) Take(ctx context.Context, challengeID string) (*pendingLogin, error) {
	var record pendingLogin
	key := s.key(challengeID)

	err := s.cache.GetJSON(ctx, key, &record)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errPendingLoginNotFound
		}
		return nil, fmt.Errorf("%w: %v", errPendingLoginBackend, err)
	}

	existed, err := s.cache.DeleteCounted(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPendingLoginBackend, err)
	}
	if !existed {
		// A concurrent completion already took it.
		return nil, errPendingLoginNotFound
	}
	return &record, nil
}
