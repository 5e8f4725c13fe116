package authrelay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ValidateToken checks an access token, serving from the validation cache
// when possible. Only positive results are cached; a rejected token is
// re-introspected on every call. The returned result is a snapshot — a
// token revoked at the provider can remain valid here until the cache TTL
// lapses.
func (e *Engine) ValidateToken(ctx context.Context, token string) (*TokenValidationResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrTokenInvalid
	}

	start := time.Now()
	cached, err := e.tokens.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if cached != nil {
		e.metrics.recordTokenValidation("cache", cached.Valid)
		e.emitTokenValidation(ctx, cached.UserID, cached.Valid, "cache", start)
		return cached, nil
	}

	intro, err := e.identity.Introspect(ctx, token)
	if err != nil {
		return nil, mapIdentityError(err)
	}

	result := &TokenValidationResult{
		Valid:      intro.Active,
		UserID:     intro.UserID,
		Email:      intro.Email,
		GivenName:  intro.GivenName,
		FamilyName: intro.FamilyName,
		Roles:      intro.Roles,
		CheckedAt:  time.Now().UTC(),
	}
	e.metrics.recordTokenValidation("idp", result.Valid)
	e.emitTokenValidation(ctx, result.UserID, result.Valid, "idp", start)

	if result.Valid {
		if err := e.tokens.Put(ctx, token, result); err != nil {
			// Caching is best-effort; the validation already succeeded.
			e.logger.Warn("token cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

func (e *Engine) emitTokenValidation(ctx context.Context, userID string, valid bool, source string, start time.Time) {
	e.emit(ctx, AuditEvent{
		EventType: EventTokenValidation,
		UserID:    userID,
		Success:   valid,
		Metadata:  map[string]string{"source": source},
		Payload: TokenValidationPayload{
			Valid:     valid,
			Source:    source,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		},
	})
}

// InvalidateUserTokens drops every cached validation for the user, forcing
// re-introspection on the next check. Returns how many entries were removed.
func (e *Engine) InvalidateUserTokens(ctx context.Context, userID string) (int, error) {
	if err := e.notReady(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}

	removed, err := e.tokens.InvalidateUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	e.metrics.recordCacheInvalidations(removed)
	e.emit(ctx, AuditEvent{
		EventType: EventTokensInvalidated,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"removed": fmt.Sprintf("%d", removed)},
	})
	return removed, nil
}
