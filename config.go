package authrelay

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every engine tunable. Instances are configured during
// initialization and treated as immutable afterwards.
type Config struct {
	Identity  IdentityConfig
	Policy    PolicyConfig
	Redis     RedisConfig
	Cache     CacheConfig
	MFA       MFAConfig
	MagicLink MagicLinkConfig
	RateLimit RateLimitConfig
	Delivery  DeliveryConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Security  SecurityConfig
}

// IdentityConfig points the engine at its identity provider realm.
type IdentityConfig struct {
	IssuerURL    string        `env:"AUTHRELAY_IDP_ISSUER_URL"`
	AdminBaseURL string        `env:"AUTHRELAY_IDP_ADMIN_URL"`
	ClientID     string        `env:"AUTHRELAY_IDP_CLIENT_ID"`
	ClientSecret string        `env:"AUTHRELAY_IDP_CLIENT_SECRET"`
	Timeout      time.Duration `env:"AUTHRELAY_IDP_TIMEOUT"`
}

// PolicyConfig points the engine at its policy decision service.
type PolicyConfig struct {
	URL     string        `env:"AUTHRELAY_POLICY_URL"`
	Token   string        `env:"AUTHRELAY_POLICY_TOKEN"`
	Timeout time.Duration `env:"AUTHRELAY_POLICY_TIMEOUT"`
}

// RedisConfig describes the cache store connection.
type RedisConfig struct {
	Address   string `env:"AUTHRELAY_REDIS_ADDR"`
	Password  string `env:"AUTHRELAY_REDIS_PASSWORD"`
	DB        int    `env:"AUTHRELAY_REDIS_DB"`
	KeyPrefix string `env:"AUTHRELAY_REDIS_PREFIX"`
}

// CacheConfig holds the result-cache lifetimes.
type CacheConfig struct {
	// TokenValidationTTL bounds how long a positive introspection result is
	// reused.
	TokenValidationTTL time.Duration `env:"AUTHRELAY_TOKEN_CACHE_TTL"`
	// AuthorizationTTL bounds decision reuse; it is additionally capped at
	// five minutes regardless of this value.
	AuthorizationTTL time.Duration `env:"AUTHRELAY_AUTHZ_CACHE_TTL"`
}

// MFAConfig tunes challenge issuance and verification.
type MFAConfig struct {
	ChallengeTTL time.Duration `env:"AUTHRELAY_MFA_CHALLENGE_TTL"`
	MaxAttempts  int           `env:"AUTHRELAY_MFA_MAX_ATTEMPTS"`
	OTPDigits    int           `env:"AUTHRELAY_MFA_OTP_DIGITS"`
	// TOTPIssuer names this system in authenticator apps.
	TOTPIssuer string `env:"AUTHRELAY_TOTP_ISSUER"`
	TOTPDigits int    `env:"AUTHRELAY_TOTP_DIGITS"`
	TOTPPeriod int    `env:"AUTHRELAY_TOTP_PERIOD"`
	// TOTPSkew is how many adjacent time steps are accepted.
	TOTPSkew        int           `env:"AUTHRELAY_TOTP_SKEW"`
	BackupCodeCount int           `env:"AUTHRELAY_BACKUP_CODE_COUNT"`
	DeviceTrustTTL  time.Duration `env:"AUTHRELAY_DEVICE_TRUST_TTL"`
}

// MagicLinkConfig tunes passwordless link issuance.
type MagicLinkConfig struct {
	TTL time.Duration `env:"AUTHRELAY_MAGIC_LINK_TTL"`
	// BaseURL is the redemption endpoint the token is appended to.
	BaseURL string `env:"AUTHRELAY_MAGIC_LINK_BASE_URL"`
	// DailyLimit bounds links issued per email per UTC day.
	DailyLimit int `env:"AUTHRELAY_MAGIC_LINK_DAILY_LIMIT"`
	// AllowRegistration lets a login link create the account when the email
	// is unknown.
	AllowRegistration bool `env:"AUTHRELAY_MAGIC_LINK_ALLOW_REGISTRATION"`
	// ResetTokenTTL bounds the password-reset token minted on redemption.
	ResetTokenTTL time.Duration `env:"AUTHRELAY_RESET_TOKEN_TTL"`
	// ResetTokenSecret signs reset tokens. Required when reset links are used.
	ResetTokenSecret string `env:"AUTHRELAY_RESET_TOKEN_SECRET"`
}

// RateLimitConfig tunes the fixed-window limiter guarding logins and
// challenge issuance.
type RateLimitConfig struct {
	MaxAttempts int           `env:"AUTHRELAY_RATE_LIMIT_MAX"`
	Window      time.Duration `env:"AUTHRELAY_RATE_LIMIT_WINDOW"`
}

// DeliveryConfig describes the email side-channel. SMS is wired
// programmatically through the builder.
type DeliveryConfig struct {
	SMTPHost     string `env:"AUTHRELAY_SMTP_HOST"`
	SMTPPort     int    `env:"AUTHRELAY_SMTP_PORT"`
	SMTPFrom     string `env:"AUTHRELAY_SMTP_FROM"`
	SMTPUsername string `env:"AUTHRELAY_SMTP_USERNAME"`
	SMTPPassword string `env:"AUTHRELAY_SMTP_PASSWORD"`
	SMTPTLSMode  string `env:"AUTHRELAY_SMTP_TLS_MODE"`
}

// AuditConfig tunes the async event dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"AUTHRELAY_AUDIT_ENABLED"`
	BufferSize int  `env:"AUTHRELAY_AUDIT_BUFFER"`
	DropIfFull bool `env:"AUTHRELAY_AUDIT_DROP_IF_FULL"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `env:"AUTHRELAY_METRICS_ENABLED"`
}

// SecurityConfig carries the deployment posture switches.
type SecurityConfig struct {
	// ProductionMode tightens validation and logs hardening warnings.
	ProductionMode bool `env:"AUTHRELAY_PRODUCTION"`
}

// DefaultConfig returns the development defaults. Production deployments
// must set the identity and policy endpoints and enable ProductionMode.
func DefaultConfig() Config {
	return Config{
		Identity: IdentityConfig{
			Timeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Timeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "ar",
		},
		Cache: CacheConfig{
			TokenValidationTTL: 60 * time.Second,
			AuthorizationTTL:   5 * time.Minute,
		},
		MFA: MFAConfig{
			ChallengeTTL:    5 * time.Minute,
			MaxAttempts:     5,
			OTPDigits:       6,
			TOTPIssuer:      "authrelay",
			TOTPDigits:      6,
			TOTPPeriod:      30,
			TOTPSkew:        1,
			BackupCodeCount: 10,
			DeviceTrustTTL:  30 * 24 * time.Hour,
		},
		MagicLink: MagicLinkConfig{
			TTL:               15 * time.Minute,
			DailyLimit:        3,
			AllowRegistration: true,
			ResetTokenTTL:     10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts: 5,
			Window:      15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// ConfigFromEnv overlays environment variables onto the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with. It returns
// the first problem found.
func (c *Config) Validate() error {
	if c.Identity.IssuerURL == "" {
		return errors.New("Identity IssuerURL is required")
	}
	if c.Identity.ClientID == "" {
		return errors.New("Identity ClientID is required")
	}
	if c.Redis.Address == "" {
		return errors.New("Redis Address is required")
	}

	if c.Cache.TokenValidationTTL <= 0 {
		return errors.New("Cache TokenValidationTTL must be > 0")
	}
	if c.Cache.AuthorizationTTL <= 0 {
		return errors.New("Cache AuthorizationTTL must be > 0")
	}

	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA ChallengeTTL must be > 0")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("MFA MaxAttempts must be > 0")
	}
	if c.MFA.OTPDigits < 4 || c.MFA.OTPDigits > 10 {
		return errors.New("MFA OTPDigits must be between 4 and 10")
	}
	if c.MFA.TOTPDigits != 6 && c.MFA.TOTPDigits != 8 {
		return errors.New("MFA TOTPDigits must be 6 or 8")
	}
	if c.MFA.TOTPPeriod < 15 {
		return errors.New("MFA TOTPPeriod must be >= 15 seconds")
	}
	if c.MFA.TOTPSkew < 0 {
		return errors.New("MFA TOTPSkew must be >= 0")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("MFA BackupCodeCount must be > 0")
	}
	if c.MFA.DeviceTrustTTL <= 0 {
		return errors.New("MFA DeviceTrustTTL must be > 0")
	}

	if c.MagicLink.TTL <= 0 {
		return errors.New("MagicLink TTL must be > 0")
	}
	if c.MagicLink.DailyLimit <= 0 {
		return errors.New("MagicLink DailyLimit must be > 0")
	}
	if c.MagicLink.ResetTokenTTL <= 0 {
		return errors.New("MagicLink ResetTokenTTL must be > 0")
	}

	if c.RateLimit.MaxAttempts <= 0 {
		return errors.New("RateLimit MaxAttempts must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RateLimit Window must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode {
		if c.MFA.TOTPSkew > 2 {
			return errors.New("ProductionMode requires MFA TOTPSkew <= 2")
		}
		if c.MFA.ChallengeTTL > 10*time.Minute {
			return errors.New("ProductionMode requires MFA ChallengeTTL <= 10m")
		}
		if c.MagicLink.TTL > time.Hour {
			return errors.New("ProductionMode requires MagicLink TTL <= 1h")
		}
		if c.MagicLink.ResetTokenSecret != "" && len(c.MagicLink.ResetTokenSecret) < 32 {
			return errors.New("ProductionMode requires ResetTokenSecret length >= 32")
		}
	}

	return nil
}

// hardeningWarnings reports production-posture findings that are risky but
// not fatal. The engine logs each at warn level during Build.
func (c *Config) hardeningWarnings() []string {
	if !c.Security.ProductionMode {
		return nil
	}

	var warnings []string
	if strings.Contains(c.Identity.IssuerURL, "localhost") || strings.Contains(c.Identity.IssuerURL, "127.0.0.1") {
		warnings = append(warnings, "identity provider issuer points at localhost")
	}
	if strings.HasPrefix(c.Identity.IssuerURL, "http://") {
		warnings = append(warnings, "identity provider issuer is not using TLS")
	}
	if c.Policy.URL != "" && strings.HasPrefix(c.Policy.URL, "http://") {
		warnings = append(warnings, "policy service endpoint is not using TLS")
	}
	if c.Redis.Password == "" {
		warnings = append(warnings, "redis connection has no password")
	}
	if c.Cache.AuthorizationTTL > authzTTLCeiling {
		warnings = append(warnings, "authorization cache TTL exceeds the 5m ceiling and will be capped")
	}
	if !c.Audit.Enabled {
		warnings = append(warnings, "audit events are disabled")
	}
	return warnings
}
