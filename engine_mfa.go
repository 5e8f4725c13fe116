package authrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authrelay/authrelay/delivery"
	"github.com/authrelay/authrelay/internal/rate"
	"github.com/authrelay/authrelay/internal/secrets"
)

// SetupMethod starts enrollment of a second factor. The method is created
// disabled and unverified; it activates through verification. TOTP setups
// return the shared secret exactly once. SMS and email setups issue an
// immediate setup challenge whose code proves the destination; verify it
// with [Engine.VerifyChallenge]. WebAuthn setups store the authenticator
// descriptor and are confirmed with [Engine.VerifySetup] after the caller
// validates the attestation.
func (e *Engine) SetupMethod(ctx context.Context, req SetupMFARequest) (*SetupMFAResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}
	if !req.Type.Valid() || req.Type == MethodBackupCodes {
		return nil, ErrUnsupportedMethodType
	}

	existing, err := e.methods.ListByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	for _, method := range existing {
		if method.Type == req.Type && method.IsEnabled {
			return nil, ErrMethodExists
		}
	}

	method := &MFAMethod{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Type:      req.Type,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}

	result := &SetupMFAResult{Method: method}
	switch req.Type {
	case MethodTOTP:
		secret, err := secrets.NewTOTPSecret()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSystemError, err)
		}
		uri := e.totp.ProvisionURI(secret, req.UserID)
		method.Metadata.TOTP = &TOTPMetadata{SecretBase32: secret, ProvisionURI: uri}
		result.SecretBase32 = secret
		result.ProvisionURI = uri

	case MethodSMS:
		if strings.TrimSpace(req.PhoneNumber) == "" {
			return nil, fmt.Errorf("%w: phone number is required", ErrValidationFailed)
		}
		method.Metadata.SMS = &SMSMetadata{PhoneNumber: req.PhoneNumber}

	case MethodEmail:
		if !strings.Contains(req.EmailAddress, "@") {
			return nil, fmt.Errorf("%w: email address is required", ErrValidationFailed)
		}
		method.Metadata.Email = &EmailMetadata{EmailAddress: req.EmailAddress}

	case MethodWebAuthn:
		if req.WebAuthn == nil || req.WebAuthn.CredentialID == "" {
			return nil, fmt.Errorf("%w: authenticator descriptor is required", ErrValidationFailed)
		}
		descriptor := *req.WebAuthn
		method.Metadata.WebAuthn = &descriptor
	}

	if err := e.methods.Save(ctx, method); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if req.Type == MethodSMS || req.Type == MethodEmail {
		challenge, err := e.issueChallenge(ctx, method, true)
		if err != nil {
			return nil, err
		}
		result.Challenge = challenge.descriptor()
	}

	e.emit(ctx, AuditEvent{
		EventType: EventMFASetupStarted,
		UserID:    req.UserID,
		Success:   true,
		Metadata:  map[string]string{"method_id": method.ID, "type": string(method.Type)},
	})
	return result, nil
}

// VerifySetup confirms a TOTP or WebAuthn enrollment. For TOTP the code
// must match the shared secret; for WebAuthn the caller attests that the
// credential verified and no code is checked. SMS and email enrollments are
// confirmed through their setup challenge instead.
func (e *Engine) VerifySetup(ctx context.Context, userID, methodID, code string) (*MFAMethod, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}

	method, err := e.loadOwnedMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if method.IsVerified {
		return nil, fmt.Errorf("%w: method already verified", ErrAlreadyUsed)
	}

	switch method.Type {
	case MethodTOTP:
		if method.Metadata.TOTP == nil {
			return nil, ErrSystemError
		}
		ok, verr := e.totp.VerifyCode(method.Metadata.TOTP.SecretBase32, code, time.Now())
		if verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrSystemError, verr)
		}
		if !ok {
			return nil, ErrValidationFailed
		}
	case MethodWebAuthn:
		// Attestation is validated by the caller; the engine records the outcome.
	default:
		return nil, fmt.Errorf("%w: %s setups are verified through their challenge", ErrUnsupportedMethodType, method.Type)
	}

	if err := e.activateMethod(ctx, method); err != nil {
		return nil, err
	}
	return method, nil
}

// activateMethod flips a method to enabled and verified, promoting it to
// primary when the user has no other verified method.
func (e *Engine) activateMethod(ctx context.Context, method *MFAMethod) error {
	others, err := e.activeMethods(ctx, method.UserID)
	if err != nil {
		return err
	}

	method.IsEnabled = true
	method.IsVerified = true
	method.IsPrimary = len(others) == 0
	if err := e.methods.Save(ctx, method); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: EventMFASetupVerified,
		UserID:    method.UserID,
		Success:   true,
		Metadata:  map[string]string{"method_id": method.ID, "type": string(method.Type)},
	})
	return nil
}

// InitiateChallenge issues a login challenge on one of the user's active
// methods. An empty methodID selects the primary method.
func (e *Engine) InitiateChallenge(ctx context.Context, userID, methodID string) (*ChallengeDescriptor, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}

	// An explicit method is resolved on its own, so an unverified method is
	// reported as such even when the user has no active method at all.
	var method *MFAMethod
	if methodID != "" {
		existing, err := e.loadOwnedMethod(ctx, userID, methodID)
		if err != nil {
			return nil, err
		}
		if !existing.IsEnabled || !existing.IsVerified {
			return nil, ErrMethodNotVerified
		}
		method = existing
	} else {
		active, err := e.activeMethods(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			return nil, ErrNoActiveMFAMethods
		}
		method = primaryMethod(active)
	}

	challenge, err := e.issueChallenge(ctx, method, false)
	if err != nil {
		return nil, err
	}
	return challenge.descriptor(), nil
}

// issueChallenge creates and persists a challenge on the method, delivering
// the one-time code for side-channel types. Every issuance path charges the
// same per-user rate window, setup and login alike, so the delivery channel
// cannot be pumped. Delivery failure does not void the challenge; the caller
// may re-initiate.
func (e *Engine) issueChallenge(ctx context.Context, method *MFAMethod, setup bool) (*mfaChallenge, error) {
	if method.Type == MethodWebAuthn || method.Type == MethodBackupCodes {
		return nil, fmt.Errorf("%w: %s methods do not use code challenges", ErrUnsupportedMethodType, method.Type)
	}

	if err := e.limiter.CheckAndIncrement(ctx, "mfa_challenge", method.UserID); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metrics.recordRateLimitHit()
			e.emit(ctx, AuditEvent{
				EventType: EventRateLimited,
				UserID:    method.UserID,
				Metadata:  map[string]string{"action": "mfa_challenge"},
			})
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	now := time.Now().UTC()
	challenge := &mfaChallenge{
		ID:                uuid.NewString(),
		UserID:            method.UserID,
		MethodID:          method.ID,
		MethodType:        method.Type,
		Status:            ChallengePending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.config.MFA.ChallengeTTL),
		AttemptsRemaining: e.config.MFA.MaxAttempts,
		Setup:             setup,
	}

	if method.Type == MethodSMS || method.Type == MethodEmail {
		code, err := secrets.NewOTP(e.config.MFA.OTPDigits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSystemError, err)
		}
		challenge.CodeDigest = secrets.Digest(code)

		destination := method.Destination()
		if method.Type == MethodSMS {
			challenge.MaskedDestination = secrets.MaskPhone(destination)
		} else {
			challenge.MaskedDestination = secrets.MaskEmail(destination)
		}

		if e.sender != nil {
			channel := delivery.ChannelEmail
			if method.Type == MethodSMS {
				channel = delivery.ChannelSMS
			}
			_, serr := e.sender.Send(ctx, delivery.Message{
				Channel: channel,
				To:      destination,
				Subject: "Your verification code",
				Body:    fmt.Sprintf("Your verification code is %s. It expires in %s.", code, e.config.MFA.ChallengeTTL),
			})
			if serr != nil {
				e.logger.Warn("challenge code delivery failed",
					zap.String("method_id", method.ID), zap.Error(serr))
			}
		}
	}

	if err := e.challenges.Save(ctx, challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.metrics.recordMFAChallenge(method.Type, "issued")
	e.emit(ctx, AuditEvent{
		EventType: EventMFAChallengeIssued,
		UserID:    method.UserID,
		Success:   true,
		Metadata:  map[string]string{"challenge_id": challenge.ID, "type": string(method.Type)},
		Payload:   ChallengePayload{ChallengeID: challenge.ID, MethodID: method.ID, MethodType: method.Type},
	})
	return challenge, nil
}

// VerifyChallenge submits a code against a pending challenge. The result
// always carries the challenge's post-verification state; the error
// classifies the failure. A challenge that exhausts its attempt budget
// transitions to rate_limited and keeps answering with
// [ErrChallengeAttemptsExceeded] instead of disappearing. A correct code
// consumes the challenge: the record is deleted on success and a replay
// reports [ErrNotFound].
func (e *Engine) VerifyChallenge(ctx context.Context, req VerifyChallengeRequest) (*VerifyChallengeResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}

	challenge, err := e.challenges.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if req.UserID != "" && challenge.UserID != req.UserID {
		return nil, ErrNotFound
	}

	result := &VerifyChallengeResult{
		Status:            challenge.Status,
		MethodID:          challenge.MethodID,
		MethodType:        challenge.MethodType,
		AttemptsRemaining: challenge.AttemptsRemaining,
	}

	switch challenge.Status {
	case ChallengeExpired:
		e.metrics.recordMFAChallenge(challenge.MethodType, "expired")
		return result, ErrExpired
	case ChallengeRateLimited:
		return result, ErrChallengeAttemptsExceeded
	}

	ok, err := e.checkChallengeCode(ctx, challenge, req.Code)
	if err != nil {
		return nil, err
	}

	if !ok {
		updated, ferr := e.challenges.RecordFailure(ctx, challenge.ID)
		if ferr != nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, ferr)
		}
		result.Status = updated.Status
		result.AttemptsRemaining = updated.AttemptsRemaining

		if updated.Status == ChallengeRateLimited {
			e.metrics.recordMFAChallenge(challenge.MethodType, "locked")
			e.emit(ctx, AuditEvent{
				EventType: EventMFAChallengeLocked,
				UserID:    challenge.UserID,
				Metadata:  map[string]string{"challenge_id": challenge.ID},
				Payload:   ChallengePayload{ChallengeID: challenge.ID, MethodID: challenge.MethodID, MethodType: challenge.MethodType},
			})
			return result, ErrChallengeAttemptsExceeded
		}

		e.metrics.recordMFAChallenge(challenge.MethodType, "failed")
		e.emit(ctx, AuditEvent{
			EventType: EventMFAChallengeFailed,
			UserID:    challenge.UserID,
			Metadata:  map[string]string{"challenge_id": challenge.ID},
			Payload:   ChallengePayload{ChallengeID: challenge.ID, MethodID: challenge.MethodID, MethodType: challenge.MethodType},
		})
		return result, ErrValidationFailed
	}

	updated, err := e.challenges.Consume(ctx, challenge.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	result.Status = updated.Status
	result.AttemptsRemaining = updated.AttemptsRemaining
	switch updated.Status {
	case ChallengeExpired:
		return result, ErrExpired
	case ChallengeRateLimited:
		return result, ErrChallengeAttemptsExceeded
	}

	method, err := e.loadOwnedMethod(ctx, challenge.UserID, challenge.MethodID)
	if err == nil {
		if challenge.Setup {
			if aerr := e.activateMethod(ctx, method); aerr != nil {
				return nil, aerr
			}
		} else {
			now := time.Now().UTC()
			method.LastUsedAt = &now
			if serr := e.methods.Save(ctx, method); serr != nil {
				e.logger.Warn("method usage update failed", zap.Error(serr))
			}
		}
	}

	if req.TrustDevice && req.Fingerprint != "" {
		device, terr := e.TrustDevice(ctx, challenge.UserID, req.Fingerprint, req.DeviceName)
		if terr != nil {
			e.logger.Warn("device trust grant failed", zap.Error(terr))
		} else {
			result.DeviceTrusted = true
			result.TrustedDeviceID = device.ID
		}
	}

	e.metrics.recordMFAChallenge(challenge.MethodType, "passed")
	e.emit(ctx, AuditEvent{
		EventType: EventMFAChallengePassed,
		UserID:    challenge.UserID,
		Success:   true,
		Metadata:  map[string]string{"challenge_id": challenge.ID, "type": string(challenge.MethodType)},
		Payload:   ChallengePayload{ChallengeID: challenge.ID, MethodID: challenge.MethodID, MethodType: challenge.MethodType},
	})
	return result, nil
}

// checkChallengeCode verifies the submitted code against the challenge's
// method without mutating anything.
func (e *Engine) checkChallengeCode(ctx context.Context, challenge *mfaChallenge, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	switch challenge.MethodType {
	case MethodSMS, MethodEmail:
		return secrets.Equal(secrets.Digest(code), challenge.CodeDigest), nil
	case MethodTOTP:
		method, err := e.loadOwnedMethod(ctx, challenge.UserID, challenge.MethodID)
		if err != nil {
			return false, err
		}
		if method.Metadata.TOTP == nil {
			return false, ErrSystemError
		}
		ok, verr := e.totp.VerifyCode(method.Metadata.TOTP.SecretBase32, code, time.Now())
		if verr != nil {
			return false, fmt.Errorf("%w: %v", ErrSystemError, verr)
		}
		return ok, nil
	default:
		return false, ErrUnsupportedMethodType
	}
}

// CompleteMFALogin verifies a login challenge and releases the token bundle
// parked by [Engine.Login]. The bundle is released exactly once. Challenges
// that hold no bundle, setup challenges included, report [ErrNotFound].
func (e *Engine) CompleteMFALogin(ctx context.Context, req VerifyChallengeRequest) (*LoginResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}

	challenge, err := e.challenges.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !challenge.PendingLogin {
		return nil, ErrNotFound
	}

	result, err := e.VerifyChallenge(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Status != ChallengeVerified {
		return nil, ErrValidationFailed
	}

	bundle, err := e.pending.Take(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, errPendingLoginNotFound) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.emit(ctx, AuditEvent{EventType: EventLoginSuccess, UserID: bundle.UserID, Success: true,
		Metadata: map[string]string{"mfa": "true"}})
	return &LoginResult{
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		ExpiresIn:    bundle.ExpiresIn,
	}, nil
}

// ListMethods returns the user's methods with secret material redacted.
func (e *Engine) ListMethods(ctx context.Context, userID string) ([]*MFAMethod, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}

	methods, err := e.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	redacted := make([]*MFAMethod, 0, len(methods))
	for _, method := range methods {
		clone := *method
		if clone.Metadata.TOTP != nil {
			clone.Metadata.TOTP = &TOTPMetadata{}
		}
		redacted = append(redacted, &clone)
	}
	return redacted, nil
}

// RemoveMethod deletes a method. The last enabled method cannot be removed;
// removing the primary promotes another enabled method.
func (e *Engine) RemoveMethod(ctx context.Context, userID, methodID string) error {
	if err := e.notReady(); err != nil {
		return err
	}

	method, err := e.loadOwnedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}

	if method.IsEnabled {
		active, err := e.activeMethods(ctx, userID)
		if err != nil {
			return err
		}
		enabled := 0
		for _, candidate := range active {
			if candidate.IsEnabled {
				enabled++
			}
		}
		if enabled <= 1 {
			return ErrLastMethod
		}
	}

	if err := e.methods.Delete(ctx, userID, methodID); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if method.IsPrimary {
		remaining, err := e.activeMethods(ctx, userID)
		if err == nil && len(remaining) > 0 {
			promoted := remaining[0]
			promoted.IsPrimary = true
			if serr := e.methods.Save(ctx, promoted); serr != nil {
				e.logger.Warn("primary promotion failed", zap.Error(serr))
			}
		}
	}

	e.emit(ctx, AuditEvent{
		EventType: EventMFAMethodRemoved,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"method_id": methodID, "type": string(method.Type)},
	})
	return nil
}

// loadOwnedMethod fetches a method and checks ownership. Foreign methods
// report not-found rather than forbidden.
func (e *Engine) loadOwnedMethod(ctx context.Context, userID, methodID string) (*MFAMethod, error) {
	if methodID == "" {
		return nil, fmt.Errorf("%w: method id is required", ErrValidationFailed)
	}
	method, err := e.methods.Get(ctx, methodID)
	if err != nil {
		if errors.Is(err, errMethodNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if userID != "" && method.UserID != userID {
		return nil, ErrNotFound
	}
	return method, nil
}
