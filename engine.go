package authrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authrelay/authrelay/cache"
	"github.com/authrelay/authrelay/delivery"
	"github.com/authrelay/authrelay/idp"
	"github.com/authrelay/authrelay/internal/rate"
	"github.com/authrelay/authrelay/policy"
)

// Engine orchestrates authentication and authorization across the identity
// provider, the policy decision service, and the cache store. It holds no
// credentials and no user records; every entity it owns lives in the store
// under a TTL. Construct it with [Builder]; a zero Engine is not usable.
type Engine struct {
	config Config
	logger *zap.Logger

	redis     redis.UniversalClient
	ownsRedis bool
	gateway   *cache.Gateway

	identity idp.Client
	policy   policy.Client
	sender   delivery.Sender

	methods    *methodStore
	challenges *challengeStore
	links      *magicLinkStore
	devices    *deviceStore
	backup     *backupCodeStore
	pending    *pendingLoginStore
	tokens     *tokenCache
	authz      *authzCache

	limiter   *rate.Limiter
	totp      *totpManager
	audit     *auditDispatcher
	listeners *eventListeners
	metrics   *engineMetrics
}

// AddEventListener subscribes to engine events of one type, or to every
// event when eventType is empty. Listeners are independent of the audit
// sink and fire regardless of audit configuration. The returned id
// unsubscribes through [Engine.RemoveEventListener].
func (e *Engine) AddEventListener(eventType string, listener EventListener) uint64 {
	if e == nil || e.listeners == nil || listener == nil {
		return 0
	}
	return e.listeners.add(eventType, listener)
}

// RemoveEventListener drops a subscription. Unknown ids are a no-op.
func (e *Engine) RemoveEventListener(id uint64) {
	if e == nil || e.listeners == nil {
		return
	}
	e.listeners.remove(id)
}

func (e *Engine) notReady() error {
	if e == nil || e.redis == nil || e.identity == nil {
		return ErrEngineNotReady
	}
	return nil
}

// Close releases the engine's background resources. Queued audit events are
// drained first. The Redis client is closed only when the engine created it.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.audit.Close()
	if e.ownsRedis && e.redis != nil {
		return e.redis.Close()
	}
	return nil
}

// emit stamps the event, notifies subscribed listeners, and queues it for
// the audit sink when auditing is on.
func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	event.Timestamp = time.Now().UTC()
	if event.IP == "" {
		event.IP = ClientIPFromContext(ctx)
	}
	e.listeners.dispatch(event)
	if e.audit != nil {
		e.audit.Emit(ctx, event)
	}
}

// Login performs the password flow. When the user has active MFA methods
// the issued tokens are parked and the result carries a challenge instead;
// complete it with [Engine.CompleteMFALogin]. A valid trusted-device
// fingerprint in the context bypasses the challenge.
func (e *Engine) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	if err := e.limiter.CheckAndIncrement(ctx, "login", strings.ToLower(username)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metrics.recordRateLimitHit()
			e.emit(ctx, AuditEvent{EventType: EventRateLimited, Metadata: map[string]string{"action": "login"}})
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	tokens, err := e.identity.Login(ctx, username, password)
	if err != nil {
		mapped := mapIdentityError(err)
		e.emit(ctx, AuditEvent{EventType: EventLoginFailed, Error: mapped.Error()})
		return nil, mapped
	}

	// A successful grant clears the failure window.
	_ = e.limiter.Reset(ctx, "login", strings.ToLower(username))

	intro, err := e.identity.Introspect(ctx, tokens.AccessToken)
	if err != nil {
		return nil, mapIdentityError(err)
	}
	if !intro.Active {
		return nil, ErrTokenInvalid
	}

	methods, err := e.activeMethods(ctx, intro.UserID)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		e.emit(ctx, AuditEvent{EventType: EventLoginSuccess, UserID: intro.UserID, Success: true})
		return &LoginResult{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ExpiresIn:    tokens.ExpiresIn,
		}, nil
	}

	if fingerprint := DeviceFingerprintFromContext(ctx); fingerprint != "" {
		device, derr := e.devices.FindActive(ctx, intro.UserID, fingerprint)
		if derr == nil {
			_ = e.devices.Touch(ctx, device)
			e.emit(ctx, AuditEvent{
				EventType: EventLoginMFABypass,
				UserID:    intro.UserID,
				Success:   true,
				Metadata:  map[string]string{"bypass": "trusted_device", "device_id": device.ID},
			})
			return &LoginResult{
				AccessToken:  tokens.AccessToken,
				RefreshToken: tokens.RefreshToken,
				ExpiresIn:    tokens.ExpiresIn,
			}, nil
		}
		if !errors.Is(derr, errDeviceNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, derr)
		}
	}

	challenge, err := e.issueChallenge(ctx, primaryMethod(methods), false)
	if err != nil {
		return nil, err
	}

	bundle := &pendingLogin{
		UserID:       intro.UserID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	}
	if err := e.parkPendingLogin(ctx, challenge, bundle); err != nil {
		return nil, err
	}

	e.emit(ctx, AuditEvent{
		EventType: EventLoginMFARequired,
		UserID:    intro.UserID,
		Success:   true,
		Metadata:  map[string]string{"challenge_id": challenge.ID, "method": string(challenge.MethodType)},
	})
	return &LoginResult{MFARequired: true, Challenge: challenge.descriptor()}, nil
}

// RefreshToken exchanges a refresh token for a fresh pair.
func (e *Engine) RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrTokenInvalid
	}

	tokens, err := e.identity.Refresh(ctx, refreshToken)
	if err != nil {
		mapped := mapIdentityError(err)
		if errors.Is(mapped, ErrInvalidCredentials) {
			mapped = ErrTokenInvalid
		}
		return nil, mapped
	}

	e.emit(ctx, AuditEvent{EventType: EventTokenRefreshed, Success: true})
	return &LoginResult{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	}, nil
}

// Logout revokes the session at the provider and drops the user's cached
// token validations.
func (e *Engine) Logout(ctx context.Context, userID, refreshToken string) error {
	if err := e.notReady(); err != nil {
		return err
	}

	if refreshToken != "" {
		if err := e.identity.Logout(ctx, refreshToken); err != nil {
			return mapIdentityError(err)
		}
	}
	if userID != "" {
		if _, err := e.InvalidateUserTokens(ctx, userID); err != nil {
			return err
		}
	}

	e.emit(ctx, AuditEvent{EventType: EventLogout, UserID: userID, Success: true})
	return nil
}

// RegisterUser creates an account through the identity provider.
func (e *Engine) RegisterUser(ctx context.Context, req RegisterUserRequest) (*idp.User, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return nil, fmt.Errorf("%w: email is required", ErrValidationFailed)
	}
	if req.Username == "" {
		req.Username = req.Email
	}

	user, err := e.identity.Register(ctx, idp.NewUser{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		return nil, mapIdentityError(err)
	}

	e.emit(ctx, AuditEvent{EventType: EventUserRegistered, UserID: user.ID, Email: user.Email, Success: true})

	if e.sender != nil {
		_, serr := e.sender.Send(ctx, delivery.Message{
			Channel: delivery.ChannelEmail,
			To:      user.Email,
			Subject: "Welcome",
			Body:    "Your account has been created.",
		})
		if serr != nil {
			e.logger.Warn("welcome delivery failed", zap.Error(serr))
		}
	}
	return user, nil
}

// parkPendingLogin holds the token bundle behind the challenge and marks
// the challenge as login-bearing, so only [Engine.CompleteMFALogin] can
// redeem it.
func (e *Engine) parkPendingLogin(ctx context.Context, challenge *mfaChallenge, bundle *pendingLogin) error {
	if err := e.pending.Save(ctx, challenge.ID, bundle, time.Until(challenge.ExpiresAt)); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	challenge.PendingLogin = true
	if err := e.challenges.Save(ctx, challenge); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

// activeMethods returns the user's enabled, verified methods.
func (e *Engine) activeMethods(ctx context.Context, userID string) ([]*MFAMethod, error) {
	methods, err := e.methods.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	active := methods[:0]
	for _, method := range methods {
		if method.IsEnabled && method.IsVerified {
			active = append(active, method)
		}
	}
	return active, nil
}

func primaryMethod(methods []*MFAMethod) *MFAMethod {
	for _, method := range methods {
		if method.IsPrimary {
			return method
		}
	}
	return methods[0]
}

// mapIdentityError translates provider sentinels into engine sentinels.
func mapIdentityError(err error) error {
	switch {
	case errors.Is(err, idp.ErrInvalidCredentials):
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	case errors.Is(err, idp.ErrTokenInvalid):
		return ErrTokenInvalid
	case errors.Is(err, idp.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, idp.ErrUserExists):
		return fmt.Errorf("%w: account already exists", ErrValidationFailed)
	default:
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
}
