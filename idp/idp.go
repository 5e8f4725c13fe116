// Package idp is the client boundary to the external identity provider.
// The engine orchestrates; the provider owns credentials, user records, and
// token issuance. Everything here speaks the provider's HTTP surface and
// normalizes its failures into package sentinels.
package idp

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials is returned when the provider rejects a
	// username/password pair or a revoked refresh token.
	ErrInvalidCredentials = errors.New("idp: invalid credentials")
	// ErrTokenInvalid is returned for tokens introspection reports inactive.
	ErrTokenInvalid = errors.New("idp: token invalid")
	// ErrUserNotFound is returned for lookups of unknown accounts.
	ErrUserNotFound = errors.New("idp: user not found")
	// ErrUserExists is returned when registration collides with an account.
	ErrUserExists = errors.New("idp: user already exists")
	// ErrUnavailable wraps transport failures and provider 5xx responses.
	ErrUnavailable = errors.New("idp: unavailable")
)

// User is the provider's view of an account.
type User struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	FirstName     string   `json:"firstName,omitempty"`
	LastName      string   `json:"lastName,omitempty"`
	EmailVerified bool     `json:"emailVerified"`
	Enabled       bool     `json:"enabled"`
	Roles         []string `json:"roles,omitempty"`
}

// TokenSet is an issued access/refresh token pair.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int
}

// Introspection is the provider's verdict on an access token.
type Introspection struct {
	Active     bool
	UserID     string
	Email      string
	GivenName  string
	FamilyName string
	Roles      []string
}

// NewUser carries the fields needed to create an account.
type NewUser struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	// Password may be empty for passwordless registrations.
	Password string
	// EmailVerified marks the address proven at creation time, as with
	// registration through a redeemed email link.
	EmailVerified bool
}

// Client is the identity-provider operations the engine consumes. Blocking
// calls take a context and honor its deadline.
type Client interface {
	// Login performs the password grant.
	Login(ctx context.Context, username, password string) (*TokenSet, error)
	// Refresh exchanges a refresh token for a fresh pair.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// Logout revokes the session behind the refresh token.
	Logout(ctx context.Context, refreshToken string) error
	// Introspect asks the provider whether the access token is active.
	Introspect(ctx context.Context, accessToken string) (*Introspection, error)
	// GetUserByEmail resolves an account by email address.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// Register creates an account.
	Register(ctx context.Context, user NewUser) (*User, error)
	// MarkEmailVerified records that the user proved ownership of their address.
	MarkEmailVerified(ctx context.Context, userID string) error
	// IssueTokensForUser mints a token pair for a user authenticated out of
	// band, as after magic-link redemption.
	IssueTokensForUser(ctx context.Context, userID string) (*TokenSet, error)
	// ResetPassword replaces the user's password.
	ResetPassword(ctx context.Context, userID, newPassword string) error
}
