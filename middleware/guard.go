package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/authrelay/authrelay"
)

type identityContextKey struct{}

// IdentityFromContext returns the validation result a guard injected for the
// request, if any.
func IdentityFromContext(ctx context.Context) (*authrelay.TokenValidationResult, bool) {
	res, ok := ctx.Value(identityContextKey{}).(*authrelay.TokenValidationResult)
	return res, ok
}

// RequireAuth rejects requests without a valid bearer token. The validated
// identity is injected into the request context, along with the caller's IP
// and the X-Device-Fingerprint header for downstream flows.
func RequireAuth(engine *authrelay.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := requestContext(r)
			result, err := engine.ValidateToken(ctx, token)
			if err != nil || !result.Valid {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, identityContextKey{}, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole is [RequireAuth] plus a role check against the token's claims.
func RequireRole(engine *authrelay.Engine, role string) func(http.Handler) http.Handler {
	authenticate := RequireAuth(engine)
	return func(next http.Handler) http.Handler {
		return authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())
			if !identity.HasRole(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RequirePermission is [RequireAuth] plus a policy decision on the given
// resource and action. The engine supplies the caller's roles to the policy
// from its validation cache, so decisions stay cacheable. A policy-service
// failure denies.
func RequirePermission(engine *authrelay.Engine, resource, action string) func(http.Handler) http.Handler {
	authenticate := RequireAuth(engine)
	return func(next http.Handler) http.Handler {
		return authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())
			result, err := engine.CheckPermissionDetailed(r.Context(), identity.UserID, resource, action, nil)
			if err != nil || !result.Allowed {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// requestContext stamps the caller's network identity onto the request
// context for the engine's audit trail and device-trust lookups.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ctx = authrelay.WithClientIP(ctx, host)
	}
	if fingerprint := r.Header.Get("X-Device-Fingerprint"); fingerprint != "" {
		ctx = authrelay.WithDeviceFingerprint(ctx, fingerprint)
	}
	return ctx
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
