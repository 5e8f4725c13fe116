package authrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authrelay/authrelay/policy"
)

// CheckPermission reports whether the user may perform action on resource.
// Decisions are served from the authorization cache within its TTL. An
// unreachable policy service is a deny, reported as allowed=false with a nil
// error; callers that need to distinguish outage from denial use
// [Engine.CheckPermissionDetailed].
func (e *Engine) CheckPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	result, err := e.CheckPermissionDetailed(ctx, userID, resource, action, nil)
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			return false, nil
		}
		return false, err
	}
	return result.Allowed, nil
}

// CheckPermissionDetailed is [Engine.CheckPermission] with request context
// attributes and the full decision record. The policy input carries the
// user's cached roles and the engine's derived time facts; attrs may be nil,
// and attrs win over derived facts on key collision.
func (e *Engine) CheckPermissionDetailed(
	ctx context.Context,
	userID, resource, action string,
	attrs map[string]any,
) (*AuthorizationResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if e.policy == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" || resource == "" || action == "" {
		return nil, fmt.Errorf("%w: user, resource, and action are required", ErrValidationFailed)
	}

	// Caller-conditioned questions bypass the cache: the attributes are
	// part of the question but not of the cache key.
	if len(attrs) == 0 {
		cached, err := e.authz.Get(ctx, userID, resource, action)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		if cached != nil {
			e.metrics.recordAuthzDecision("cache", cached.Allowed, 0)
			return cached, nil
		}
	}

	roles, err := e.tokens.PrincipalRoles(ctx, userID)
	if err != nil {
		// A missing role record narrows the decision but does not block it.
		e.logger.Warn("principal roles lookup failed", zap.Error(err))
		roles = nil
	}

	start := time.Now()
	decision, err := e.policy.Evaluate(ctx, policy.Input{
		UserID:   userID,
		Roles:    roles,
		Resource: resource,
		Action:   action,
		Context:  e.decisionContext(attrs),
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		// Fail closed: an unreachable decision service denies.
		e.metrics.recordAuthzDecision("error", false, elapsed)
		e.emit(ctx, AuditEvent{
			EventType: EventAuthzDecision,
			UserID:    userID,
			Error:     err.Error(),
			Metadata:  map[string]string{"resource": resource, "action": action},
			Payload:   AuthzDecisionPayload{Resource: resource, Action: action, Allowed: false},
		})
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	result := &AuthorizationResult{
		Allowed:   decision.Allow,
		Reason:    decision.Reason,
		Timestamp: time.Now().UTC(),
	}
	e.metrics.recordAuthzDecision("policy", result.Allowed, elapsed)

	if len(attrs) == 0 {
		if err := e.authz.Put(ctx, userID, resource, action, result); err != nil {
			e.logger.Warn("authorization cache write failed", zap.Error(err))
		}
	}

	e.emit(ctx, AuditEvent{
		EventType: EventAuthzDecision,
		UserID:    userID,
		Success:   result.Allowed,
		Metadata:  map[string]string{"resource": resource, "action": action, "reason": result.Reason},
		Payload:   AuthzDecisionPayload{Resource: resource, Action: action, Allowed: result.Allowed, Reason: result.Reason},
	})
	return result, nil
}

// decisionContext merges the engine's derived facts with the caller's
// attributes. Caller keys win.
func (e *Engine) decisionContext(attrs map[string]any) map[string]any {
	now := time.Now()
	merged := map[string]any{
		"time":           now.UTC().Format(time.RFC3339),
		"hour":           now.Hour(),
		"weekday":        now.Weekday().String(),
		"business_hours": isBusinessHours(now),
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return merged
}

func isBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}

// InvalidatePermission drops one cached decision ahead of its TTL.
func (e *Engine) InvalidatePermission(ctx context.Context, userID, resource, action string) error {
	if err := e.notReady(); err != nil {
		return err
	}
	if err := e.authz.Invalidate(ctx, userID, resource, action); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}
