package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrelay/authrelay/cache"
)

const (
	deviceKeyPrefix      = "device:trust"
	deviceIndexKeyPrefix = "device:user"
)

var (
	errDeviceNotFound = errors.New("trusted device not found")
	errDeviceBackend  = errors.New("trusted device backend unavailable")
)

// deviceStore persists trusted-device records with a per-user index set.
// Records expire passively via TTL; listing prunes index entries whose
// record is gone or lapsed.
type deviceStore struct {
	cache *cache.Gateway
}

func newDeviceStore(gw *cache.Gateway) *deviceStore {
	return &deviceStore{cache: gw}
}

func (s *deviceStore) key(deviceID string) string {
	return s.cache.Key(deviceKeyPrefix, deviceID)
}

func (s *deviceStore) indexKey(userID string) string {
	return s.cache.Key(deviceIndexKeyPrefix, userID)
}

func (s *deviceStore) Save(ctx context.Context, device *TrustedDevice) error {
	ttl := time.Until(device.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: trust window already lapsed", errDeviceBackend)
	}
	if err := s.cache.SetJSON(ctx, s.key(device.ID), device, ttl); err != nil {
		return fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	if err := s.cache.SetAdd(ctx, s.indexKey(device.UserID), device.ID); err != nil {
		return fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	return nil
}

func (s *deviceStore) Get(ctx context.Context, deviceID string) (*TrustedDevice, error) {
	var device TrustedDevice
	err := s.cache.GetJSON(ctx, s.key(deviceID), &device)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errDeviceNotFound
		}
		return nil, fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	return &device, nil
}

// FindActive returns the user's active, unexpired trust record for the
// fingerprint, or errDeviceNotFound.
func (s *deviceStore) FindActive(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
	devices, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, device := range devices {
		if device.Fingerprint == fingerprint && device.IsActive && !device.Expired(now) {
			return device, nil
		}
	}
	return nil, errDeviceNotFound
}

// ListByUser returns the user's live trust records, pruning index entries
// whose record has expired.
func (s *deviceStore) ListByUser(ctx context.Context, userID string) ([]*TrustedDevice, error) {
	ids, err := s.cache.SetMembers(ctx, s.indexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDeviceBackend, err)
	}

	devices := make([]*TrustedDevice, 0, len(ids))
	for _, id := range ids {
		device, err := s.Get(ctx, id)
		if errors.Is(err, errDeviceNotFound) {
			_, _ = s.cache.SetRemove(ctx, s.indexKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// Touch refreshes the record's LastUsedAt without extending the trust window.
func (s *deviceStore) Touch(ctx context.Context, device *TrustedDevice) error {
	device.LastUsedAt = time.Now().UTC()
	ttl := time.Until(device.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.SetJSON(ctx, s.key(device.ID), device, ttl); err != nil {
		return fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	return nil
}

func (s *deviceStore) Delete(ctx context.Context, userID, deviceID string) error {
	if err := s.cache.Delete(ctx, s.key(deviceID)); err != nil {
		return fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	if _, err := s.cache.SetRemove(ctx, s.indexKey(userID), deviceID); err != nil {
		return fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	return nil
}

// DeleteAll revokes every trust record for the user and returns how many
// records were removed.
func (s *deviceStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	ids, err := s.cache.SetMembers(ctx, s.indexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errDeviceBackend, err)
	}

	removed := 0
	for _, id := range ids {
		existed, err := s.cache.DeleteCounted(ctx, s.key(id))
		if err != nil {
			return removed, fmt.Errorf("%w: %v", errDeviceBackend, err)
		}
		if existed {
			removed++
		}
	}
	if err := s.cache.Delete(ctx, s.indexKey(userID)); err != nil {
		return removed, fmt.Errorf("%w: %v", errDeviceBackend, err)
	}
	return removed, nil
}
