package authrelay

import (
	"time"
)

// MethodType identifies a second-factor mechanism. The set is closed: the
// engine dispatches on it exhaustively and rejects unknown values with
// [ErrUnsupportedMethodType].
type MethodType string

const (
	// MethodTOTP is a time-step one-time password derived from a shared secret.
	MethodTOTP MethodType = "totp"
	// MethodSMS delivers a numeric code over the SMS side-channel.
	MethodSMS MethodType = "sms"
	// MethodEmail delivers a numeric code over the email side-channel.
	MethodEmail MethodType = "email"
	// MethodWebAuthn registers a device descriptor pending client-side attestation.
	MethodWebAuthn MethodType = "webauthn"
	// MethodBackupCodes is the recovery batch of single-use codes.
	MethodBackupCodes MethodType = "backup_codes"
)

// Valid reports whether t is one of the known method types.
func (t MethodType) Valid() bool {
	switch t {
	case MethodTOTP, MethodSMS, MethodEmail, MethodWebAuthn, MethodBackupCodes:
		return true
	}
	return false
}

// ChallengeStatus is the lifecycle state of an [MFAChallenge]. pending is the
// only non-terminal state; every transition out of it is one-way.
type ChallengeStatus string

const (
	// ChallengePending is an issued challenge awaiting a code.
	ChallengePending ChallengeStatus = "pending"
	// ChallengeVerified is the terminal success state.
	ChallengeVerified ChallengeStatus = "verified"
	// ChallengeExpired is the terminal time-based failure state.
	ChallengeExpired ChallengeStatus = "expired"
	// ChallengeRateLimited is the terminal state after the attempt budget is
	// exhausted. The record is kept so further attempts receive a stable
	// answer rather than not-found.
	ChallengeRateLimited ChallengeStatus = "rate_limited"
)

// LinkStatus is the lifecycle state of a [MagicLink]. A link leaves pending
// exactly once.
type LinkStatus string

const (
	// LinkPending is an issued, not yet redeemed link.
	LinkPending LinkStatus = "pending"
	// LinkUsed is the terminal redeemed state.
	LinkUsed LinkStatus = "used"
	// LinkExpired is the terminal time-based state.
	LinkExpired LinkStatus = "expired"
	// LinkRevoked is the terminal state set when a newer link supersedes
	// this one for the same email.
	LinkRevoked LinkStatus = "revoked"
)

// LinkAction selects the flow a magic link redeems into. The set is closed;
// verification dispatches exhaustively and unknown tags terminate with
// [ErrUnsupportedLinkAction] instead of defaulting to login.
type LinkAction string

const (
	// ActionLogin signs an existing account in.
	ActionLogin LinkAction = "login"
	// ActionRegister creates the account on redemption.
	ActionRegister LinkAction = "register"
	// ActionVerifyEmail proves ownership of the address to the identity provider.
	ActionVerifyEmail LinkAction = "verify_email"
	// ActionResetPassword mints a short-lived reset token decoupled from the link.
	ActionResetPassword LinkAction = "reset_password"
)

// Valid reports whether a is one of the known link actions.
func (a LinkAction) Valid() bool {
	switch a {
	case ActionLogin, ActionRegister, ActionVerifyEmail, ActionResetPassword:
		return true
	}
	return false
}

// TokenValidationResult is the cached outcome of identity-provider token
// introspection. Instances are immutable; re-validation creates a new one.
type TokenValidationResult struct {
	Valid      bool      `json:"valid"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	GivenName  string    `json:"given_name,omitempty"`
	FamilyName string    `json:"family_name,omitempty"`
	Roles      []string  `json:"roles,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// HasRole reports whether the validated principal carries the given role.
func (r *TokenValidationResult) HasRole(role string) bool {
	if r == nil {
		return false
	}
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// AuthorizationResult is a cached policy decision keyed by
// (user, resource, action).
type AuthorizationResult struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	// Cached is true when the decision was served from the authorization
	// cache without a policy-service round trip.
	Cached bool `json:"cached,omitempty"`
}

// TOTPMetadata carries the shared secret material of a TOTP method.
type TOTPMetadata struct {
	// SecretBase32 is the base32-encoded shared secret shown to the user
	// exactly once during setup.
	SecretBase32 string `json:"secret_base32"`
	// ProvisionURI is the otpauth:// enrollment descriptor.
	ProvisionURI string `json:"provision_uri,omitempty"`
}

// SMSMetadata carries the destination of an SMS method.
type SMSMetadata struct {
	PhoneNumber string `json:"phone_number"`
}

// EmailMetadata carries the destination of an email method.
type EmailMetadata struct {
	EmailAddress string `json:"email_address"`
}

// WebAuthnMetadata describes a registered authenticator pending (or past)
// client-side attestation. The core stores the descriptor; it does not
// verify attestations.
type WebAuthnMetadata struct {
	CredentialID string `json:"credential_id"`
	PublicKey    string `json:"public_key,omitempty"`
	AAGUID       string `json:"aaguid,omitempty"`
	Transport    string `json:"transport,omitempty"`
}

// MethodMetadata is the tagged union of method-specific material. Exactly
// one variant is non-nil, matching the owning method's type.
type MethodMetadata struct {
	TOTP     *TOTPMetadata     `json:"totp,omitempty"`
	SMS      *SMSMetadata      `json:"sms,omitempty"`
	Email    *EmailMetadata    `json:"email,omitempty"`
	WebAuthn *WebAuthnMetadata `json:"webauthn,omitempty"`
}

// MFAMethod is a configured second factor. Methods are created disabled and
// unverified; a successful setup verification flips both flags one-way.
type MFAMethod struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Type       MethodType     `json:"type"`
	Name       string         `json:"name,omitempty"`
	IsEnabled  bool           `json:"is_enabled"`
	IsPrimary  bool           `json:"is_primary"`
	IsVerified bool           `json:"is_verified"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	Metadata   MethodMetadata `json:"metadata"`
}

// Destination returns the delivery target for SMS/email methods, or "".
func (m *MFAMethod) Destination() string {
	switch {
	case m == nil:
		return ""
	case m.Metadata.SMS != nil:
		return m.Metadata.SMS.PhoneNumber
	case m.Metadata.Email != nil:
		return m.Metadata.Email.EmailAddress
	}
	return ""
}

// ChallengeDescriptor is the redacted, caller-visible view of an issued
// challenge. It never contains the raw code, and destinations are masked.
type ChallengeDescriptor struct {
	ChallengeID       string          `json:"challenge_id"`
	MethodID          string          `json:"method_id"`
	MethodType        MethodType      `json:"method_type"`
	Status            ChallengeStatus `json:"status"`
	MaskedDestination string          `json:"masked_destination,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
}

// TrustedDevice grants its owning user an MFA bypass while active and
// unexpired.
type TrustedDevice struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the trust window has lapsed at the given instant.
func (d *TrustedDevice) Expired(now time.Time) bool {
	return d == nil || now.After(d.ExpiresAt)
}

// MagicLink is a single-use, time-boxed passwordless token record. The raw
// token is returned to the generate caller once and persisted only as a
// digest index.
type MagicLink struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	UserID      string            `json:"user_id,omitempty"`
	Status      LinkStatus        `json:"status"`
	Action      LinkAction        `json:"action"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	UsedAt      *time.Time        `json:"used_at,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SetupMFARequest starts method enrollment for a user. Destination fields
// are required for the matching type only.
type SetupMFARequest struct {
	UserID       string
	Type         MethodType
	Name         string
	PhoneNumber  string
	EmailAddress string
	// WebAuthn carries the client-supplied authenticator descriptor for
	// webauthn setups.
	WebAuthn *WebAuthnMetadata
}

// SetupMFAResult describes a freshly created (still disabled) method.
// SecretBase32/ProvisionURI are populated for TOTP; Challenge for SMS/email
// setups that issued an immediate setup challenge.
type SetupMFAResult struct {
	Method       *MFAMethod
	SecretBase32 string
	ProvisionURI string
	Challenge    *ChallengeDescriptor
}

// VerifyChallengeRequest submits a code against a pending challenge.
type VerifyChallengeRequest struct {
	ChallengeID string
	UserID      string
	Code        string
	// TrustDevice requests device trust on success; Fingerprint must be set.
	TrustDevice bool
	Fingerprint string
	DeviceName  string
}

// VerifyChallengeResult reports the challenge's post-verification state.
// Status is ChallengeVerified on success. Terminal failures return a
// sentinel error alongside a populated result so callers can render
// distinct UX from Status and AttemptsRemaining.
type VerifyChallengeResult struct {
	Status            ChallengeStatus
	MethodID          string
	MethodType        MethodType
	AttemptsRemaining int
	DeviceTrusted     bool
	TrustedDeviceID   string
}

// LoginResult is returned by password and MFA login flows. When MFARequired
// is set the tokens are withheld until the challenge completes.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	MFARequired  bool
	Challenge    *ChallengeDescriptor
}

// GenerateMagicLinkRequest asks for a new passwordless link.
type GenerateMagicLinkRequest struct {
	Email       string
	Action      LinkAction
	RedirectURL string
	Metadata    map[string]string
}

// GenerateMagicLinkResult reports link creation and delivery separately:
// a delivery failure does not invalidate the created link.
type GenerateMagicLinkResult struct {
	LinkID    string
	ExpiresAt time.Time
	Delivered bool
	// DeliveryError carries the side-channel failure, if any.
	DeliveryError string
}

// MagicLinkVerification is the outcome of redeeming a link token. Status
// distinguishes all terminal states; action-specific fields are populated
// only for the matching action on success.
type MagicLinkVerification struct {
	Status LinkStatus
	Action LinkAction
	UserID string
	Email  string

	// Login / register outcomes. When MFARequired is set the tokens are
	// parked behind Challenge; complete with [Engine.CompleteMFALogin].
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	MFARequired  bool
	Challenge    *ChallengeDescriptor

	// Reset-password outcome: a short-lived token decoupled from the link.
	ResetToken string
}

// RegisterUserRequest creates an account through the identity provider.
type RegisterUserRequest struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// SecurityReport is a read-only snapshot of the protections active in the
// engine, for operational review.
type SecurityReport struct {
	ProductionMode      bool
	TokenCacheTTL       time.Duration
	AuthzCacheTTL       time.Duration
	AuthzTTLCeiling     time.Duration
	MFAChallengeTTL     time.Duration
	MFAMaxAttempts      int
	RateLimitWindow     time.Duration
	RateLimitMax        int
	MagicLinkTTL        time.Duration
	MagicLinkDailyLimit int
	DeviceTrustTTL      time.Duration
	RegistrationViaLink bool
}
