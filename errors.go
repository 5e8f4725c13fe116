package authrelay

import "errors"

var (
	// ErrInvalidCredentials is returned when the identity provider rejects
	// a username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid is returned for tokens the identity provider reports
	// as inactive, malformed, or expired.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrServiceUnavailable indicates the identity provider, policy service,
	// or cache store could not be reached within its timeout.
	ErrServiceUnavailable = errors.New("backend service unavailable")
	// ErrValidationFailed is returned when an MFA or setup code does not
	// match the challenge material.
	ErrValidationFailed = errors.New("verification code invalid")
	// ErrRateLimited is returned when a counter window is exhausted before
	// a challenge can be issued.
	ErrRateLimited = errors.New("rate limited")
	// ErrExpired covers challenges and magic links past their expiry, and
	// magic-link tokens that never existed (deliberately indistinguishable).
	ErrExpired = errors.New("expired")
	// ErrAlreadyUsed is returned when a single-use magic link is redeemed twice.
	ErrAlreadyUsed = errors.New("already used")
	// ErrRevoked is returned for magic links revoked by a newer link.
	ErrRevoked = errors.New("revoked")
	// ErrNotFound is returned for missing methods, devices, and challenges.
	ErrNotFound = errors.New("not found")
	// ErrSystemError wraps unexpected internal failures.
	ErrSystemError = errors.New("system error")

	// ErrEngineNotReady is returned when the engine is used before Build
	// completed or a required dependency is missing.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrNoActiveMFAMethods is returned by challenge initiation for users
	// with no enabled, verified method of the requested type.
	ErrNoActiveMFAMethods = errors.New("no active mfa methods")
	// ErrChallengeAttemptsExceeded marks a challenge that reached its
	// terminal rate_limited status; the record is kept so repeated attempts
	// keep receiving this stable answer instead of not-found.
	ErrChallengeAttemptsExceeded = errors.New("mfa challenge attempts exceeded")
	// ErrMethodNotVerified is returned when a challenge is requested against
	// a method that never completed setup verification.
	ErrMethodNotVerified = errors.New("mfa method not verified")
	// ErrLastMethod rejects removal of a user's only enabled MFA method.
	ErrLastMethod = errors.New("cannot remove last enabled mfa method")
	// ErrMethodExists is returned when a setup would duplicate an existing
	// enabled method of the same type.
	ErrMethodExists = errors.New("mfa method already configured")
	// ErrUnsupportedMethodType is returned for method types the engine does
	// not know how to set up or verify.
	ErrUnsupportedMethodType = errors.New("unsupported mfa method type")
	// ErrBackupCodesNotConfigured is returned when redemption is attempted
	// for a user with no generated batch.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")
	// ErrBackupCodeInvalid is returned for unknown or already-redeemed codes.
	ErrBackupCodeInvalid = errors.New("invalid backup code")

	// ErrDailyLimitReached bounds magic-link issuance per email per calendar day.
	ErrDailyLimitReached = errors.New("daily magic link limit reached")
	// ErrRegistrationDisabled is returned when a magic link targets an
	// unknown email and registration-via-link is not permitted.
	ErrRegistrationDisabled = errors.New("registration via magic link disabled")
	// ErrUnsupportedLinkAction is the terminal failure for unknown action
	// tags; verification never falls through to login.
	ErrUnsupportedLinkAction = errors.New("unsupported magic link action")

	// ErrUserNotFound is returned by identity lookups for unknown accounts.
	ErrUserNotFound = errors.New("user not found")
)
