package authrelay

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const minPasswordLength = 8

// CompletePasswordReset consumes a reset token minted by a redeemed
// reset_password link and sets the new password at the provider. Every
// cached validation for the user is dropped so stale sessions re-prove
// themselves.
func (e *Engine) CompletePasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if err := e.notReady(); err != nil {
		return err
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidationFailed, minPasswordLength)
	}

	userID, err := e.VerifyResetToken(resetToken)
	if err != nil {
		return err
	}

	if err := e.identity.ResetPassword(ctx, userID, newPassword); err != nil {
		return mapIdentityError(err)
	}

	if _, ierr := e.tokens.InvalidateUser(ctx, userID); ierr != nil {
		e.logger.Warn("token invalidation after reset failed", zap.Error(ierr))
	}

	e.emit(ctx, AuditEvent{EventType: EventPasswordReset, UserID: userID, Success: true})
	return nil
}

// ChangePassword rotates the password of a signed-in user. The current
// password is re-proven through the provider before the new one is set.
func (e *Engine) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	if err := e.notReady(); err != nil {
		return err
	}
	if username == "" || currentPassword == "" {
		return ErrInvalidCredentials
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidationFailed, minPasswordLength)
	}

	tokens, err := e.identity.Login(ctx, username, currentPassword)
	if err != nil {
		return mapIdentityError(err)
	}
	intro, err := e.identity.Introspect(ctx, tokens.AccessToken)
	if err != nil {
		return mapIdentityError(err)
	}
	if !intro.Active {
		return ErrTokenInvalid
	}

	if err := e.identity.ResetPassword(ctx, intro.UserID, newPassword); err != nil {
		return mapIdentityError(err)
	}

	if _, ierr := e.tokens.InvalidateUser(ctx, intro.UserID); ierr != nil {
		e.logger.Warn("token invalidation after password change failed", zap.Error(ierr))
	}

	e.emit(ctx, AuditEvent{EventType: EventPasswordChanged, UserID: intro.UserID, Success: true})
	return nil
}
