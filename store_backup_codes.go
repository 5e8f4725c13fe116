package authrelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/authrelay/authrelay/cache"
)

const backupCodesKeyPrefix = "mfa:backup"

var (
	errBackupCodesMissing = errors.New("backup codes not configured")
	errBackupCodesBackend = errors.New("backup codes backend unavailable")
)

// backupCodeStore keeps each user's recovery batch as a set of sha256
// digests. Redemption removes the digest from the set; the removal count is
// the single-use guarantee.
type backupCodeStore struct {
	cache *cache.Gateway
}

func newBackupCodeStore(gw *cache.Gateway) *backupCodeStore {
	return &backupCodeStore{cache: gw}
}

func (s *backupCodeStore) key(userID string) string {
	return s.cache.Key(backupCodesKeyPrefix, userID)
}

// Replace swaps the user's batch for the given digests. Any unredeemed
// codes from the previous batch stop working.
func (s *backupCodeStore) Replace(ctx context.Context, userID string, digests []string) error {
	key := s.key(userID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	if err := s.cache.SetAdd(ctx, key, digests...); err != nil {
		return fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	return nil
}

// Redeem consumes the digest. Returns false for unknown or already-redeemed
// digests, errBackupCodesMissing when the user has no batch at all.
func (s *backupCodeStore) Redeem(ctx context.Context, userID, digest string) (bool, error) {
	key := s.key(userID)
	exists, err := s.cache.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	if !exists {
		return false, errBackupCodesMissing
	}

	n, err := s.cache.SetRemove(ctx, key, digest)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	return n == 1, nil
}

// Remaining reports how many codes are left in the batch.
func (s *backupCodeStore) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := s.cache.SetCard(ctx, s.key(userID))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	return int(n), nil
}

func (s *backupCodeStore) Delete(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, s.key(userID)); err != nil {
		return fmt.Errorf("%w: %v", errBackupCodesBackend, err)
	}
	return nil
}
