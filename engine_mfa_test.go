package authrelay

import (
	"context"
	"encoding/base32"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

// currentTOTP computes the code an authenticator app would show right now.
func currentTOTP(t *testing.T, secretBase32 string, digits, period int) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	code, err := hotpCode(secret, time.Now().Unix()/int64(period), digits, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode: %v", err)
	}
	return code
}

var otpPattern = regexp.MustCompile(`\b(\d{6})\b`)

// deliveredCode extracts the one-time code from the last captured message.
func deliveredCode(t *testing.T, env *testEnv) string {
	t.Helper()
	msg, ok := env.capture.Last()
	if !ok {
		t.Fatal("no message delivered")
	}
	match := otpPattern.FindStringSubmatch(msg.Body)
	if match == nil {
		t.Fatalf("no code in message body %q", msg.Body)
	}
	return match[1]
}

func setupVerifiedTOTP(t *testing.T, env *testEnv, userID string) *MFAMethod {
	t.Helper()
	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID: userID,
		Type:   MethodTOTP,
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	code := currentTOTP(t, result.SecretBase32, 6, 30)
	method, err := env.engine.VerifySetup(context.Background(), userID, result.Method.ID, code)
	if err != nil {
		t.Fatalf("VerifySetup: %v", err)
	}
	return method
}

func TestTOTPSetupAndVerify(t *testing.T) {
	env := newTestEngine(t)

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID: "u1",
		Type:   MethodTOTP,
		Name:   "phone",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	if result.SecretBase32 == "" {
		t.Fatal("expected the shared secret exactly once at setup")
	}
	if !strings.HasPrefix(result.ProvisionURI, "otpauth://totp/") {
		t.Fatalf("unexpected provision URI %q", result.ProvisionURI)
	}
	if result.Method.IsEnabled || result.Method.IsVerified {
		t.Fatal("method must start disabled and unverified")
	}

	if _, err := env.engine.VerifySetup(context.Background(), "u1", result.Method.ID, "000000"); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for a wrong code, got %v", err)
	}

	code := currentTOTP(t, result.SecretBase32, 6, 30)
	method, err := env.engine.VerifySetup(context.Background(), "u1", result.Method.ID, code)
	if err != nil {
		t.Fatalf("VerifySetup: %v", err)
	}
	if !method.IsEnabled || !method.IsVerified || !method.IsPrimary {
		t.Fatalf("first verified method should be enabled, verified, primary: %+v", method)
	}

	// Verification is one-way; a second attempt is rejected.
	if _, err := env.engine.VerifySetup(context.Background(), "u1", result.Method.ID, code); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed on double verification, got %v", err)
	}
}

func TestDuplicateMethodTypeRejected(t *testing.T) {
	env := newTestEngine(t)
	setupVerifiedTOTP(t, env, "u1")

	_, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{UserID: "u1", Type: MethodTOTP})
	if !errors.Is(err, ErrMethodExists) {
		t.Fatalf("expected ErrMethodExists, got %v", err)
	}
}

func TestEmailSetupVerifiesThroughChallenge(t *testing.T) {
	env := newTestEngine(t)

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	if result.Challenge == nil {
		t.Fatal("expected an immediate setup challenge")
	}
	if result.Challenge.MaskedDestination == "alice@example.com" {
		t.Fatal("destination must be masked in the descriptor")
	}

	code := deliveredCode(t, env)
	verifyResult, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: result.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
	})
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if verifyResult.Status != ChallengeVerified {
		t.Fatalf("expected verified, got %s", verifyResult.Status)
	}

	methods, err := env.engine.ListMethods(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	if len(methods) != 1 || !methods[0].IsVerified {
		t.Fatalf("expected one verified method, got %+v", methods)
	}
}

func TestChallengeAttemptBudgetIsTerminal(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.MaxAttempts = 3
	})

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	challengeID := result.Challenge.ChallengeID

	for i := 0; i < 2; i++ {
		res, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
			ChallengeID: challengeID, UserID: "u1", Code: "000000",
		})
		if !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("attempt %d: expected ErrValidationFailed, got %v", i, err)
		}
		if res.AttemptsRemaining != 2-i {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i, 2-i, res.AttemptsRemaining)
		}
	}

	res, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: challengeID, UserID: "u1", Code: "000000",
	})
	if !errors.Is(err, ErrChallengeAttemptsExceeded) {
		t.Fatalf("expected ErrChallengeAttemptsExceeded, got %v", err)
	}
	if res.Status != ChallengeRateLimited {
		t.Fatalf("expected rate_limited, got %s", res.Status)
	}

	// The record survives as a terminal state; even the right code now gets
	// the same stable answer instead of not-found.
	code := deliveredCode(t, env)
	if _, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: challengeID, UserID: "u1", Code: code,
	}); !errors.Is(err, ErrChallengeAttemptsExceeded) {
		t.Fatalf("expected ErrChallengeAttemptsExceeded after lockout, got %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.ChallengeTTL = 50 * time.Millisecond
	})

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	code := deliveredCode(t, env)
	time.Sleep(80 * time.Millisecond)

	res, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: result.Challenge.ChallengeID, UserID: "u1", Code: code,
	})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if res.Status != ChallengeExpired {
		t.Fatalf("expected expired, got %s", res.Status)
	}
}

func TestInitiateChallengeNeedsActiveMethod(t *testing.T) {
	env := newTestEngine(t)

	if _, err := env.engine.InitiateChallenge(context.Background(), "u1", ""); !errors.Is(err, ErrNoActiveMFAMethods) {
		t.Fatalf("expected ErrNoActiveMFAMethods, got %v", err)
	}

	// An unverified method is not eligible either.
	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	if _, err := env.engine.InitiateChallenge(context.Background(), "u1", result.Method.ID); !errors.Is(err, ErrMethodNotVerified) {
		t.Fatalf("expected ErrMethodNotVerified, got %v", err)
	}
}

func TestVerifiedChallengeCannotBeReplayed(t *testing.T) {
	env := newTestEngine(t)

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	code := deliveredCode(t, env)

	req := VerifyChallengeRequest{
		ChallengeID: result.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
	}
	if _, err := env.engine.VerifyChallenge(context.Background(), req); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}

	// Success consumes the record; the same code cannot pass again.
	if _, err := env.engine.VerifyChallenge(context.Background(), req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestChallengeIssuanceRateLimited(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxAttempts = 2
	})

	// Setup challenges charge the same window as login challenges; repeated
	// enrollments cannot pump the delivery channel.
	for i := 0; i < 2; i++ {
		if _, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
			UserID:       "u1",
			Type:         MethodEmail,
			EmailAddress: "alice@example.com",
		}); err != nil {
			t.Fatalf("SetupMethod %d: %v", i, err)
		}
	}
	sent := len(env.capture.Messages())

	_, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(env.capture.Messages()) != sent {
		t.Fatal("no code may go out once the window is exhausted")
	}
}

func TestCompleteLoginRejectsSetupChallenge(t *testing.T) {
	env := newTestEngine(t)

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	code := deliveredCode(t, env)

	// A setup challenge holds no token bundle and must not be redeemable
	// through login completion.
	if _, err := env.engine.CompleteMFALogin(context.Background(), VerifyChallengeRequest{
		ChallengeID: result.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	methods, err := env.engine.ListMethods(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	if len(methods) != 1 || methods[0].IsVerified {
		t.Fatalf("the rejected completion must not activate the method: %+v", methods)
	}
}

func TestLoginWithMFAParksTokens(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")
	totpMethod := setupVerifiedTOTP(t, env, "u1")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !login.MFARequired || login.Challenge == nil {
		t.Fatal("expected an MFA challenge")
	}
	if login.AccessToken != "" || login.RefreshToken != "" {
		t.Fatal("tokens must be withheld until the challenge completes")
	}

	// The redacted method listing still knows the secret is gone; recompute
	// from the store directly to mint a valid code.
	stored, err := env.engine.methods.Get(context.Background(), totpMethod.ID)
	if err != nil {
		t.Fatalf("methods.Get: %v", err)
	}
	code := currentTOTP(t, stored.Metadata.TOTP.SecretBase32, 6, 30)

	completed, err := env.engine.CompleteMFALogin(context.Background(), VerifyChallengeRequest{
		ChallengeID: login.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
	})
	if err != nil {
		t.Fatalf("CompleteMFALogin: %v", err)
	}
	if completed.AccessToken == "" || completed.RefreshToken == "" {
		t.Fatal("expected the parked token pair")
	}

	// The bundle releases exactly once.
	if _, err := env.engine.CompleteMFALogin(context.Background(), VerifyChallengeRequest{
		ChallengeID: login.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
	}); err == nil {
		t.Fatal("expected second completion to fail")
	}
}

func TestListMethodsRedactsSecrets(t *testing.T) {
	env := newTestEngine(t)
	setupVerifiedTOTP(t, env, "u1")

	methods, err := env.engine.ListMethods(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("expected one method, got %d", len(methods))
	}
	if methods[0].Metadata.TOTP.SecretBase32 != "" {
		t.Fatal("listing must not expose the shared secret")
	}
}

func TestRemoveLastMethodRejected(t *testing.T) {
	env := newTestEngine(t)
	method := setupVerifiedTOTP(t, env, "u1")

	if err := env.engine.RemoveMethod(context.Background(), "u1", method.ID); !errors.Is(err, ErrLastMethod) {
		t.Fatalf("expected ErrLastMethod, got %v", err)
	}
}

func TestRemovePrimaryPromotesAnother(t *testing.T) {
	env := newTestEngine(t)
	primary := setupVerifiedTOTP(t, env, "u1")

	// Enroll and verify a second method over email.
	setup, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID:       "u1",
		Type:         MethodEmail,
		EmailAddress: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}
	code := deliveredCode(t, env)
	if _, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: setup.Challenge.ChallengeID, UserID: "u1", Code: code,
	}); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}

	if err := env.engine.RemoveMethod(context.Background(), "u1", primary.ID); err != nil {
		t.Fatalf("RemoveMethod: %v", err)
	}

	methods, err := env.engine.ListMethods(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	if len(methods) != 1 || !methods[0].IsPrimary {
		t.Fatalf("expected the surviving method to be primary, got %+v", methods)
	}
}

func TestForeignMethodLooksAbsent(t *testing.T) {
	env := newTestEngine(t)
	method := setupVerifiedTOTP(t, env, "u1")

	if _, err := env.engine.VerifySetup(context.Background(), "intruder", method.ID, "123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign method, got %v", err)
	}
	if err := env.engine.RemoveMethod(context.Background(), "intruder", method.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign removal, got %v", err)
	}
}

func TestWebAuthnSetupStoresDescriptor(t *testing.T) {
	env := newTestEngine(t)

	result, err := env.engine.SetupMethod(context.Background(), SetupMFARequest{
		UserID: "u1",
		Type:   MethodWebAuthn,
		WebAuthn: &WebAuthnMetadata{
			CredentialID: "cred-1",
			PublicKey:    "pk",
		},
	})
	if err != nil {
		t.Fatalf("SetupMethod: %v", err)
	}

	method, err := env.engine.VerifySetup(context.Background(), "u1", result.Method.ID, "")
	if err != nil {
		t.Fatalf("VerifySetup: %v", err)
	}
	if !method.IsVerified {
		t.Fatal("expected verified after attestation confirmation")
	}

	// Code challenges are not issued against descriptor methods.
	if _, err := env.engine.InitiateChallenge(context.Background(), "u1", method.ID); !errors.Is(err, ErrUnsupportedMethodType) {
		t.Fatalf("expected ErrUnsupportedMethodType, got %v", err)
	}
}
