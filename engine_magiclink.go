package authrelay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authrelay/authrelay/delivery"
	"github.com/authrelay/authrelay/idp"
	"github.com/authrelay/authrelay/internal/rate"
	"github.com/authrelay/authrelay/internal/secrets"
)

// GenerateMagicLink issues a passwordless link for the email. The raw token
// travels only over the delivery side-channel; the result reports creation
// and delivery separately, and a delivery failure does not void the link.
// At most one pending link exists per email: issuing a new one revokes its
// predecessor. Issuance is capped per email per UTC day.
func (e *Engine) GenerateMagicLink(ctx context.Context, req GenerateMagicLinkRequest) (*GenerateMagicLinkResult, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	if !req.Action.Valid() {
		return nil, ErrUnsupportedLinkAction
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is required", ErrValidationFailed)
	}

	action := req.Action
	user, err := e.identity.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if action == ActionRegister {
			return nil, fmt.Errorf("%w: account already exists", ErrValidationFailed)
		}
	case errors.Is(err, idp.ErrUserNotFound):
		switch action {
		case ActionLogin:
			// An unknown address can still sign in when the deployment allows
			// registration on redemption; the link records that honestly.
			if !e.config.MagicLink.AllowRegistration {
				return nil, ErrUserNotFound
			}
			action = ActionRegister
		case ActionRegister:
			if !e.config.MagicLink.AllowRegistration {
				return nil, ErrRegistrationDisabled
			}
		default:
			return nil, ErrUserNotFound
		}
		user = nil
	default:
		return nil, mapIdentityError(err)
	}

	if err := e.limiter.CheckAndIncrementDaily(ctx, "magic_link", email, time.Now()); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metrics.recordMagicLink("issue", "daily_limit")
			return nil, ErrDailyLimitReached
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	// A newer link supersedes the email's outstanding one.
	if priorID, perr := e.links.PendingForEmail(ctx, email); perr == nil && priorID != "" {
		if _, _, terr := e.links.Transition(ctx, priorID, LinkRevoked); terr != nil && !errors.Is(terr, errLinkNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, terr)
		}
	}

	token, err := secrets.NewLinkToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemError, err)
	}

	now := time.Now().UTC()
	link := &MagicLink{
		ID:          uuid.NewString(),
		Email:       email,
		Status:      LinkPending,
		Action:      action,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.MagicLink.TTL),
		RedirectURL: req.RedirectURL,
		Metadata:    req.Metadata,
	}
	if user != nil {
		link.UserID = user.ID
	}

	if err := e.links.Save(ctx, link, secrets.Digest(token)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	result := &GenerateMagicLinkResult{LinkID: link.ID, ExpiresAt: link.ExpiresAt}
	if e.sender != nil {
		_, serr := e.sender.Send(ctx, delivery.Message{
			Channel: delivery.ChannelEmail,
			To:      email,
			Subject: "Your sign-in link",
			Body: fmt.Sprintf("Follow this link to continue: %s\nIt expires in %s and can be used once.",
				e.linkURL(token), e.config.MagicLink.TTL),
		})
		if serr != nil {
			result.DeliveryError = serr.Error()
			e.logger.Warn("magic link delivery failed", zap.String("link_id", link.ID), zap.Error(serr))
		} else {
			result.Delivered = true
		}
	}

	e.metrics.recordMagicLink("issue", "ok")
	e.emit(ctx, AuditEvent{
		EventType: EventMagicLinkIssued,
		UserID:    link.UserID,
		Email:     email,
		Success:   true,
		Metadata:  map[string]string{"link_id": link.ID, "action": string(action)},
		Payload:   MagicLinkPayload{LinkID: link.ID, Action: action, Status: LinkPending},
	})
	return result, nil
}

func (e *Engine) linkURL(token string) string {
	base := e.config.MagicLink.BaseURL
	if base == "" {
		return token
	}
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + "token=" + url.QueryEscape(token)
}

// VerifyMagicLink redeems a raw link token. A token is consumed exactly
// once; concurrent redemptions admit one caller. Unknown tokens answer
// expired so redemption never reveals whether a token ever existed; a link
// superseded by a newer one answers revoked. The
// action recorded at issuance decides the outcome: login and register
// produce a token pair (or a parked pair behind an MFA challenge),
// verify_email marks the address proven at the provider, and
// reset_password mints a short-lived reset token.
func (e *Engine) VerifyMagicLink(ctx context.Context, token string) (*MagicLinkVerification, error) {
	if err := e.notReady(); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &MagicLinkVerification{Status: LinkExpired}, ErrExpired
	}

	link, err := e.links.GetByTokenDigest(ctx, secrets.Digest(token))
	if err != nil {
		if errors.Is(err, errLinkNotFound) {
			e.metrics.recordMagicLink("redeem", "unknown")
			return &MagicLinkVerification{Status: LinkExpired}, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	updated, transitioned, err := e.links.Transition(ctx, link.ID, LinkUsed)
	if err != nil {
		if errors.Is(err, errLinkNotFound) {
			return &MagicLinkVerification{Status: LinkExpired}, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	verification := &MagicLinkVerification{
		Status: updated.Status,
		Action: updated.Action,
		UserID: updated.UserID,
		Email:  updated.Email,
	}
	if !transitioned {
		e.metrics.recordMagicLink("redeem", string(updated.Status))
		e.emit(ctx, AuditEvent{
			EventType: EventMagicLinkRejected,
			UserID:    updated.UserID,
			Email:     updated.Email,
			Metadata:  map[string]string{"link_id": updated.ID, "status": string(updated.Status)},
			Payload:   MagicLinkPayload{LinkID: updated.ID, Action: updated.Action, Status: updated.Status},
		})
		switch updated.Status {
		case LinkUsed:
			return verification, ErrAlreadyUsed
		case LinkRevoked:
			return verification, ErrRevoked
		default:
			return verification, ErrExpired
		}
	}

	if err := e.redeemLink(ctx, updated, verification); err != nil {
		e.metrics.recordMagicLink("redeem", "error")
		e.emit(ctx, AuditEvent{
			EventType: EventMagicLinkRejected,
			UserID:    verification.UserID,
			Email:     updated.Email,
			Error:     err.Error(),
			Metadata:  map[string]string{"link_id": updated.ID, "action": string(updated.Action)},
			Payload:   MagicLinkPayload{LinkID: updated.ID, Action: updated.Action, Status: updated.Status},
		})
		return nil, err
	}

	e.metrics.recordMagicLink("redeem", "ok")
	e.emit(ctx, AuditEvent{
		EventType: EventMagicLinkRedeemed,
		UserID:    verification.UserID,
		Email:     updated.Email,
		Success:   true,
		Metadata:  map[string]string{"link_id": updated.ID, "action": string(updated.Action)},
		Payload:   MagicLinkPayload{LinkID: updated.ID, Action: updated.Action, Status: updated.Status},
	})
	return verification, nil
}

// redeemLink runs the action-specific half of redemption, filling in the
// verification outcome.
func (e *Engine) redeemLink(ctx context.Context, link *MagicLink, verification *MagicLinkVerification) error {
	switch link.Action {
	case ActionRegister:
		// The redeemed link proves address ownership, so the account is
		// created with the email already verified.
		user, err := e.identity.Register(ctx, idp.NewUser{
			Username:      link.Email,
			Email:         link.Email,
			EmailVerified: true,
		})
		if err != nil {
			return mapIdentityError(err)
		}
		verification.UserID = user.ID
		e.emit(ctx, AuditEvent{EventType: EventUserRegistered, UserID: user.ID, Email: link.Email, Success: true,
			Metadata: map[string]string{"via": "magic_link"}})
		return e.issueLinkTokens(ctx, verification)

	case ActionLogin:
		return e.issueLinkTokens(ctx, verification)

	case ActionVerifyEmail:
		if err := e.identity.MarkEmailVerified(ctx, link.UserID); err != nil {
			return mapIdentityError(err)
		}
		return nil

	case ActionResetPassword:
		reset, err := e.mintResetToken(link.UserID, link.Email)
		if err != nil {
			return err
		}
		verification.ResetToken = reset
		return nil

	default:
		return ErrUnsupportedLinkAction
	}
}

// issueLinkTokens mints a token pair for the verified user, parking it
// behind an MFA challenge when the account has active methods.
func (e *Engine) issueLinkTokens(ctx context.Context, verification *MagicLinkVerification) error {
	tokens, err := e.identity.IssueTokensForUser(ctx, verification.UserID)
	if err != nil {
		return mapIdentityError(err)
	}

	methods, err := e.activeMethods(ctx, verification.UserID)
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		verification.AccessToken = tokens.AccessToken
		verification.RefreshToken = tokens.RefreshToken
		verification.ExpiresIn = tokens.ExpiresIn
		return nil
	}

	challenge, err := e.issueChallenge(ctx, primaryMethod(methods), false)
	if err != nil {
		return err
	}
	bundle := &pendingLogin{
		UserID:       verification.UserID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	}
	if err := e.parkPendingLogin(ctx, challenge, bundle); err != nil {
		return err
	}
	verification.MFARequired = true
	verification.Challenge = challenge.descriptor()
	return nil
}

// mintResetToken signs a short-lived password-reset assertion decoupled
// from the link record.
func (e *Engine) mintResetToken(userID, email string) (string, error) {
	secret := e.config.MagicLink.ResetTokenSecret
	if secret == "" {
		return "", fmt.Errorf("%w: reset token secret not configured", ErrSystemError)
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":     userID,
		"email":   email,
		"purpose": "password_reset",
		"jti":     uuid.NewString(),
		"iat":     now.Unix(),
		"exp":     now.Add(e.config.MagicLink.ResetTokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	return signed, nil
}

// VerifyResetToken validates a reset token minted by a reset_password link
// and returns the subject user ID.
func (e *Engine) VerifyResetToken(tokenString string) (string, error) {
	secret := e.config.MagicLink.ResetTokenSecret
	if secret == "" {
		return "", ErrEngineNotReady
	}

	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || claims["purpose"] != "password_reset" {
		return "", ErrTokenInvalid
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrTokenInvalid
	}
	return sub, nil
}
