package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrelay/authrelay/cache"
)

const (
	methodKeyPrefix      = "mfa:method"
	methodIndexKeyPrefix = "mfa:user"

	// Unverified setups expire; verification rewrites the record without TTL.
	unverifiedMethodTTL = 24 * time.Hour
)

var (
	errMethodNotFound = errors.New("mfa method not found")
	errMethodBackend  = errors.New("mfa method backend unavailable")
)

// methodStore persists MFA method records plus a per-user index set so
// listing never scans the keyspace.
type methodStore struct {
	cache *cache.Gateway
}

func newMethodStore(gw *cache.Gateway) *methodStore {
	return &methodStore{cache: gw}
}

func (s *methodStore) key(methodID string) string {
	return s.cache.Key(methodKeyPrefix, methodID)
}

func (s *methodStore) indexKey(userID string) string {
	return s.cache.Key(methodIndexKeyPrefix, userID, "methods")
}

// Save writes the method record. Unverified methods carry a TTL so abandoned
// setups evaporate; verified methods persist until removed.
func (s *methodStore) Save(ctx context.Context, method *MFAMethod) error {
	ttl := time.Duration(0)
	if !method.IsVerified {
		ttl = unverifiedMethodTTL
	}
	if err := s.cache.SetJSON(ctx, s.key(method.ID), method, ttl); err != nil {
		return fmt.Errorf("%w: %v", errMethodBackend, err)
	}
	if err := s.cache.SetAdd(ctx, s.indexKey(method.UserID), method.ID); err != nil {
		return fmt.Errorf("%w: %v", errMethodBackend, err)
	}
	return nil
}

func (s *methodStore) Get(ctx context.Context, methodID string) (*MFAMethod, error) {
	var method MFAMethod
	err := s.cache.GetJSON(ctx, s.key(methodID), &method)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errMethodNotFound
		}
		return nil, fmt.Errorf("%w: %v", errMethodBackend, err)
	}
	return &method, nil
}

// ListByUser loads every live method for the user. Index entries whose
// record has expired are dropped from the index as they are discovered.
func (s *methodStore) ListByUser(ctx context.Context, userID string) ([]*MFAMethod, error) {
	ids, err := s.cache.SetMembers(ctx, s.indexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMethodBackend, err)
	}

	methods := make([]*MFAMethod, 0, len(ids))
	for _, id := range ids {
		method, err := s.Get(ctx, id)
		if errors.Is(err, errMethodNotFound) {
			_, _ = s.cache.SetRemove(ctx, s.indexKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, nil
}

func (s *methodStore) Delete(ctx context.Context, userID, methodID string) error {
	if err := s.cache.Delete(ctx, s.key(methodID)); err != nil {
		return fmt.Errorf("%w: %v", errMethodBackend, err)
	}
	if _, err := s.cache.SetRemove(ctx, s.indexKey(userID), methodID); err != nil {
		return fmt.Errorf("%w: %v", errMethodBackend, err)
	}
	return nil
}
