package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrustDevice records an MFA bypass for the fingerprint, valid for the
// configured trust window. Re-trusting an already trusted fingerprint
// refreshes its window under the existing record.
func (e *Engine) TrustDevice(ctx context.Context, userID, fingerprint, name string) (*TrustedDevice, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if userID == "" || fingerprint == "" {
		return nil, fmt.Errorf("%w: user id and fingerprint are required", ErrValidationFailed)
	}

	now := time.Now().UTC()
	device, err := e.devices.FindActive(ctx, userID, fingerprint)
	switch {
	case err == nil:
		device.ExpiresAt = now.Add(e.config.MFA.DeviceTrustTTL)
		device.LastUsedAt = now
		if name != "" {
			device.Name = name
		}
	case errors.Is(err, errDeviceNotFound):
		device = &TrustedDevice{
			ID:          uuid.NewString(),
			UserID:      userID,
			Fingerprint: fingerprint,
			Name:        name,
			IsActive:    true,
			CreatedAt:   now,
			LastUsedAt:  now,
			ExpiresAt:   now.Add(e.config.MFA.DeviceTrustTTL),
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if err := e.devices.Save(ctx, device); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: EventDeviceTrusted,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"device_id": device.ID},
		Payload:   DevicePayload{DeviceID: device.ID},
	})
	return device, nil
}

// IsDeviceTrusted reports whether the fingerprint holds an active,
// unexpired trust grant for the user.
func (e *Engine) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	if err := e.notReady(); err != nil {
		return false, err
	}
	if userID == "" || fingerprint == "" {
		return false, nil
	}

	_, err := e.devices.FindActive(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return true, nil
}

// ListTrustedDevices returns the user's active trust grants.
func (e *Engine) ListTrustedDevices(ctx context.Context, userID string) ([]*TrustedDevice, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	devices, err := e.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return devices, nil
}

// RevokeTrustedDevice withdraws one trust grant.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if err := e.notReady(); err != nil {
		return err
	}

	device, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if device.UserID != userID {
		return ErrNotFound
	}

	if err := e.devices.Delete(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: EventDeviceRevoked,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"device_id": deviceID},
		Payload:   DevicePayload{DeviceID: deviceID},
	})
	return nil
}

// RevokeAllTrustedDevices withdraws every trust grant for the user and
// returns how many were removed. Useful after credential rotation.
func (e *Engine) RevokeAllTrustedDevices(ctx context.Context, userID string) (int, error) {
	if err := e.notReady(); err != nil {
		return 0, err
	}

	removed, err := e.devices.DeleteAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: EventDeviceRevoked,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"removed": fmt.Sprintf("%d", removed)},
		Payload:   DevicePayload{Removed: removed},
	})
	return removed, nil
}
