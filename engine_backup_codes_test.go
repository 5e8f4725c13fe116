package authrelay

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBackupCodesRoundTrip(t *testing.T) {
	env := newTestEngine(t)

	codes, err := env.engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	for _, code := range codes {
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("unexpected code shape %q", code)
		}
	}

	if err := env.engine.RedeemBackupCode(context.Background(), "u1", codes[0]); err != nil {
		t.Fatalf("RedeemBackupCode: %v", err)
	}

	remaining, err := env.engine.RemainingBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RemainingBackupCodes: %v", err)
	}
	if remaining != 9 {
		t.Fatalf("expected 9 remaining, got %d", remaining)
	}
}

func TestBackupCodeRedeemsOnce(t *testing.T) {
	env := newTestEngine(t)

	codes, err := env.engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if err := env.engine.RedeemBackupCode(context.Background(), "u1", codes[3]); err != nil {
		t.Fatalf("RedeemBackupCode: %v", err)
	}
	if err := env.engine.RedeemBackupCode(context.Background(), "u1", codes[3]); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("expected ErrBackupCodeInvalid on reuse, got %v", err)
	}
}

func TestBackupCodeNormalization(t *testing.T) {
	env := newTestEngine(t)

	codes, err := env.engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}

	// Users retype codes with stray spacing and lowercase.
	sloppy := " " + strings.ToLower(strings.ReplaceAll(codes[0], "-", " ")) + " "
	if err := env.engine.RedeemBackupCode(context.Background(), "u1", sloppy); err != nil {
		t.Fatalf("RedeemBackupCode with sloppy input: %v", err)
	}
}

func TestBackupCodesNotConfigured(t *testing.T) {
	env := newTestEngine(t)

	err := env.engine.RedeemBackupCode(context.Background(), "u1", "AAAA-BBBB")
	if !errors.Is(err, ErrBackupCodesNotConfigured) {
		t.Fatalf("expected ErrBackupCodesNotConfigured, got %v", err)
	}
}

func TestRegenerateReplacesBatch(t *testing.T) {
	env := newTestEngine(t)

	first, err := env.engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if _, err := env.engine.RegenerateBackupCodes(context.Background(), "u1"); err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}

	// Codes from the replaced batch are dead.
	if err := env.engine.RedeemBackupCode(context.Background(), "u1", first[0]); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("expected ErrBackupCodeInvalid for a replaced code, got %v", err)
	}

	remaining, err := env.engine.RemainingBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RemainingBackupCodes: %v", err)
	}
	if remaining != 10 {
		t.Fatalf("expected a full fresh batch, got %d", remaining)
	}
}
