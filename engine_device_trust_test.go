package authrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrustDeviceBypassesMFA(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")
	setupVerifiedTOTP(t, env, "u1")

	device, err := env.engine.TrustDevice(context.Background(), "u1", "fp-laptop", "work laptop")
	if err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	if device.ID == "" || !device.IsActive {
		t.Fatalf("unexpected device %+v", device)
	}

	ctx := WithDeviceFingerprint(context.Background(), "fp-laptop")
	result, err := env.engine.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.MFARequired {
		t.Fatal("trusted device must bypass the challenge")
	}
	if result.AccessToken == "" {
		t.Fatal("expected tokens")
	}
}

func TestUnknownFingerprintStillChallenged(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")
	setupVerifiedTOTP(t, env, "u1")

	ctx := WithDeviceFingerprint(context.Background(), "fp-stranger")
	result, err := env.engine.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("unknown fingerprint must not bypass MFA")
	}
}

func TestDeviceTrustExpires(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.DeviceTrustTTL = 50 * time.Millisecond
	})

	if _, err := env.engine.TrustDevice(context.Background(), "u1", "fp-1", ""); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	trusted, err := env.engine.IsDeviceTrusted(context.Background(), "u1", "fp-1")
	if err != nil || !trusted {
		t.Fatalf("expected trusted, got %v %v", trusted, err)
	}

	time.Sleep(80 * time.Millisecond)
	trusted, err = env.engine.IsDeviceTrusted(context.Background(), "u1", "fp-1")
	if err != nil {
		t.Fatalf("IsDeviceTrusted: %v", err)
	}
	if trusted {
		t.Fatal("trust must lapse with its window")
	}
}

func TestRevokeTrustedDevice(t *testing.T) {
	env := newTestEngine(t)

	device, err := env.engine.TrustDevice(context.Background(), "u1", "fp-1", "")
	if err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}

	// Another user cannot revoke it.
	if err := env.engine.RevokeTrustedDevice(context.Background(), "intruder", device.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := env.engine.RevokeTrustedDevice(context.Background(), "u1", device.ID); err != nil {
		t.Fatalf("RevokeTrustedDevice: %v", err)
	}
	trusted, err := env.engine.IsDeviceTrusted(context.Background(), "u1", "fp-1")
	if err != nil || trusted {
		t.Fatalf("expected revoked, got %v %v", trusted, err)
	}
}

func TestRevokeAllTrustedDevices(t *testing.T) {
	env := newTestEngine(t)

	for _, fp := range []string{"fp-1", "fp-2", "fp-3"} {
		if _, err := env.engine.TrustDevice(context.Background(), "u1", fp, ""); err != nil {
			t.Fatalf("TrustDevice %s: %v", fp, err)
		}
	}

	removed, err := env.engine.RevokeAllTrustedDevices(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RevokeAllTrustedDevices: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	devices, err := env.engine.ListTrustedDevices(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListTrustedDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected none, got %d", len(devices))
	}
}

func TestRetrustRefreshesWindow(t *testing.T) {
	env := newTestEngine(t)

	first, err := env.engine.TrustDevice(context.Background(), "u1", "fp-1", "")
	if err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	second, err := env.engine.TrustDevice(context.Background(), "u1", "fp-1", "renamed")
	if err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("re-trusting must reuse the existing record")
	}
	if second.Name != "renamed" {
		t.Fatalf("expected the name to update, got %q", second.Name)
	}
	if second.ExpiresAt.Before(first.ExpiresAt) {
		t.Fatal("expected the window to extend")
	}
}

func TestVerifyChallengeCanTrustDevice(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")
	method := setupVerifiedTOTP(t, env, "u1")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	stored, err := env.engine.methods.Get(context.Background(), method.ID)
	if err != nil {
		t.Fatalf("methods.Get: %v", err)
	}
	code := currentTOTP(t, stored.Metadata.TOTP.SecretBase32, 6, 30)

	result, err := env.engine.VerifyChallenge(context.Background(), VerifyChallengeRequest{
		ChallengeID: login.Challenge.ChallengeID,
		UserID:      "u1",
		Code:        code,
		TrustDevice: true,
		Fingerprint: "fp-laptop",
		DeviceName:  "work laptop",
	})
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if !result.DeviceTrusted || result.TrustedDeviceID == "" {
		t.Fatalf("expected device trust, got %+v", result)
	}

	trusted, err := env.engine.IsDeviceTrusted(context.Background(), "u1", "fp-laptop")
	if err != nil || !trusted {
		t.Fatalf("expected trusted, got %v %v", trusted, err)
	}
}
