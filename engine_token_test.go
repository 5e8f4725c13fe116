package authrelay

import (
	"context"
	"testing"
)

func TestValidateTokenCachesPositiveResults(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2", "admin")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	baseline := env.identity.introspectionCount()

	first, err := env.engine.ValidateToken(context.Background(), login.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if !first.Valid || first.UserID != "u1" {
		t.Fatalf("unexpected result %+v", first)
	}
	if !first.HasRole("admin") {
		t.Fatal("expected the admin role to carry through")
	}

	// Repeat checks within the TTL are served from the cache.
	for i := 0; i < 5; i++ {
		result, err := env.engine.ValidateToken(context.Background(), login.AccessToken)
		if err != nil {
			t.Fatalf("ValidateToken: %v", err)
		}
		if !result.Valid {
			t.Fatal("expected valid from cache")
		}
	}
	if got := env.identity.introspectionCount(); got != baseline+1 {
		t.Fatalf("expected exactly one introspection, got %d", got-baseline)
	}
}

func TestValidateTokenNeverCachesNegatives(t *testing.T) {
	env := newTestEngine(t)

	baseline := env.identity.introspectionCount()
	for i := 0; i < 3; i++ {
		result, err := env.engine.ValidateToken(context.Background(), "bogus")
		if err != nil {
			t.Fatalf("ValidateToken: %v", err)
		}
		if result.Valid {
			t.Fatal("expected invalid")
		}
	}
	// Every rejected check went back to the provider.
	if got := env.identity.introspectionCount(); got != baseline+3 {
		t.Fatalf("expected three introspections, got %d", got-baseline)
	}
}

func TestInvalidateUserTokensForcesRecheck(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.engine.ValidateToken(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	removed, err := env.engine.InvalidateUserTokens(context.Background(), "u1")
	if err != nil {
		t.Fatalf("InvalidateUserTokens: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one cached entry removed, got %d", removed)
	}

	baseline := env.identity.introspectionCount()
	if _, err := env.engine.ValidateToken(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got := env.identity.introspectionCount(); got != baseline+1 {
		t.Fatal("expected a fresh introspection after invalidation")
	}
}

func TestLogoutDropsCachedValidations(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.engine.ValidateToken(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if err := env.engine.Logout(context.Background(), "u1", login.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	baseline := env.identity.introspectionCount()
	if _, err := env.engine.ValidateToken(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got := env.identity.introspectionCount(); got != baseline+1 {
		t.Fatal("expected the cache to be empty after logout")
	}
}
