package authrelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/authrelay/authrelay/internal/secrets"
)

// GenerateBackupCodes creates a fresh batch of single-use recovery codes and
// returns them in plaintext exactly once. Only digests are persisted, so a
// lost batch cannot be re-read; regenerate instead. Any previous batch is
// replaced wholesale.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}

	codes, err := secrets.NewBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemError, err)
	}

	digests := make([]string, len(codes))
	for i, code := range codes {
		digests[i] = secrets.Digest(secrets.NormalizeBackupCode(code))
	}
	if err := e.backup.Replace(ctx, userID, digests); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: EventBackupCodesIssued,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"count": fmt.Sprintf("%d", len(codes))},
	})
	return codes, nil
}

// RegenerateBackupCodes is GenerateBackupCodes; the alias exists because
// callers think of the first and subsequent batches differently even though
// the engine does not.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	return e.GenerateBackupCodes(ctx, userID)
}

// RedeemBackupCode consumes one recovery code. Each code redeems at most
// once; concurrent redemptions of the same code admit exactly one caller.
func (e *Engine) RedeemBackupCode(ctx context.Context, userID, code string) error {
	if err := e.notReady(); err != nil {
		return err
	}

	normalized := secrets.NormalizeBackupCode(code)
	if normalized == "" {
		return ErrBackupCodeInvalid
	}

	ok, err := e.backup.Redeem(ctx, userID, secrets.Digest(normalized))
	if err != nil {
		if errors.Is(err, errBackupCodesMissing) {
			return ErrBackupCodesNotConfigured
		}
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		e.emit(ctx, AuditEvent{EventType: EventBackupCodeRedeemed, UserID: userID,
			Error: ErrBackupCodeInvalid.Error()})
		return ErrBackupCodeInvalid
	}

	remaining, _ := e.backup.Remaining(ctx, userID)
	e.emit(ctx, AuditEvent{
		EventType: EventBackupCodeRedeemed,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"remaining": fmt.Sprintf("%d", remaining)},
	})
	return nil
}

// RemainingBackupCodes reports how many codes are left unredeemed.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if err := e.notReady(); err != nil {
		return 0, err
	}
	count, err := e.backup.Remaining(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return count, nil
}
