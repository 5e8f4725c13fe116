package authrelay

// SecurityReport snapshots the protections the engine is running with, for
// operational review and startup logging. It reads only configuration.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	return SecurityReport{
		ProductionMode:      e.config.Security.ProductionMode,
		TokenCacheTTL:       e.config.Cache.TokenValidationTTL,
		AuthzCacheTTL:       e.config.Cache.AuthorizationTTL,
		AuthzTTLCeiling:     authzTTLCeiling,
		MFAChallengeTTL:     e.config.MFA.ChallengeTTL,
		MFAMaxAttempts:      e.config.MFA.MaxAttempts,
		RateLimitWindow:     e.config.RateLimit.Window,
		RateLimitMax:        e.config.RateLimit.MaxAttempts,
		MagicLinkTTL:        e.config.MagicLink.TTL,
		MagicLinkDailyLimit: e.config.MagicLink.DailyLimit,
		DeviceTrustTTL:      e.config.MFA.DeviceTrustTTL,
		RegistrationViaLink: e.config.MagicLink.AllowRegistration,
	}
}

// AuditEventsDropped reports how many audit events were discarded because
// the dispatcher buffer was full.
func (e *Engine) AuditEventsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}
