package authrelay

import "context"

type contextKey int

const (
	clientIPKey contextKey = iota
	fingerprintKey
)

// WithClientIP attaches the caller's network address for audit events and
// rate limiting.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the attached address, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// WithDeviceFingerprint attaches the caller's device fingerprint, consulted
// for trusted-device MFA bypass during login.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, fingerprintKey, fingerprint)
}

// DeviceFingerprintFromContext returns the attached fingerprint, or "".
func DeviceFingerprintFromContext(ctx context.Context) string {
	fp, _ := ctx.Value(fingerprintKey).(string)
	return fp
}
