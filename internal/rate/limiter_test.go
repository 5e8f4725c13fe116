package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "ar", cfg), mr
}

func TestCheckAndIncrementBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckAndIncrement(ctx, "mfa_verify", "user-1"); err != nil {
			t.Fatalf("attempt %d unexpectedly limited: %v", i+1, err)
		}
	}
	if err := l.CheckAndIncrement(ctx, "mfa_verify", "user-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another subject has an independent budget.
	if err := l.CheckAndIncrement(ctx, "mfa_verify", "user-2"); err != nil {
		t.Fatalf("independent subject limited: %v", err)
	}
}

func TestWindowReset(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	if err := l.CheckAndIncrement(ctx, "login", "alice"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := l.CheckAndIncrement(ctx, "login", "alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := l.CheckAndIncrement(ctx, "login", "alice"); err != nil {
		t.Fatalf("post-window attempt: %v", err)
	}
}

func TestResetClearsCounter(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	_ = l.CheckAndIncrement(ctx, "login", "alice")
	if err := l.Reset(ctx, "login", "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := l.Attempts(ctx, "login", "alice"); n != 0 {
		t.Fatalf("expected cleared counter, got %d", n)
	}
	if err := l.CheckAndIncrement(ctx, "login", "alice"); err != nil {
		t.Fatalf("attempt after reset: %v", err)
	}
}

func TestDailyBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 10, Window: time.Minute, DailyMax: 3})
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := l.CheckAndIncrementDaily(ctx, "magic_link", "a@b.com", now); err != nil {
			t.Fatalf("issuance %d limited: %v", i+1, err)
		}
	}
	if err := l.CheckAndIncrementDaily(ctx, "magic_link", "a@b.com", now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on 4th issuance, got %v", err)
	}
	if n, _ := l.DailyCount(ctx, "magic_link", "a@b.com", now); n != 4 {
		t.Fatalf("expected daily count 4, got %d", n)
	}

	// The date is part of the key: the next day starts fresh.
	tomorrow := now.Add(24 * time.Hour)
	if err := l.CheckAndIncrementDaily(ctx, "magic_link", "a@b.com", tomorrow); err != nil {
		t.Fatalf("next-day issuance limited: %v", err)
	}
}

func TestBackendErrors(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Minute})
	mr.Close()

	if err := l.CheckAndIncrement(context.Background(), "login", "alice"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
