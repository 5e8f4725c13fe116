package authrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/authrelay/authrelay/delivery"
	"github.com/authrelay/authrelay/idp"
	"github.com/authrelay/authrelay/policy"
)

// fakeIdentity is an in-memory stand-in for the identity provider. Tokens
// are opaque strings minted sequentially.
type fakeIdentity struct {
	mu             sync.Mutex
	users          map[string]*idp.User // keyed by email
	passwords      map[string]string    // keyed by username
	active         map[string]*idp.Introspection
	refreshes      map[string]string // refresh token -> user id
	verified       map[string]bool
	seq            int
	introspections int
	loginErr       error
	issueErr       error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users:     make(map[string]*idp.User),
		passwords: make(map[string]string),
		active:    make(map[string]*idp.Introspection),
		refreshes: make(map[string]string),
		verified:  make(map[string]bool),
	}
}

func (f *fakeIdentity) addUser(id, email, password string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[email] = &idp.User{ID: id, Username: email, Email: email, Enabled: true}
	f.passwords[email] = password
	if len(roles) > 0 {
		f.users[email].Roles = roles
	}
}

func (f *fakeIdentity) mint(user *idp.User) *idp.TokenSet {
	f.seq++
	access := fmt.Sprintf("access-%d", f.seq)
	refresh := fmt.Sprintf("refresh-%d", f.seq)
	f.active[access] = &idp.Introspection{
		Active: true,
		UserID: user.ID,
		Email:  user.Email,
		Roles:  user.Roles,
	}
	f.refreshes[refresh] = user.ID
	return &idp.TokenSet{AccessToken: access, RefreshToken: refresh, ExpiresIn: 300}
}

func (f *fakeIdentity) Login(_ context.Context, username, password string) (*idp.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	user, ok := f.users[username]
	if !ok || f.passwords[username] != password {
		return nil, idp.ErrInvalidCredentials
	}
	return f.mint(user), nil
}

func (f *fakeIdentity) Refresh(_ context.Context, refreshToken string) (*idp.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refreshes[refreshToken]
	if !ok {
		return nil, idp.ErrTokenInvalid
	}
	for _, user := range f.users {
		if user.ID == userID {
			return f.mint(user), nil
		}
	}
	return nil, idp.ErrTokenInvalid
}

func (f *fakeIdentity) Logout(_ context.Context, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refreshes, refreshToken)
	return nil
}

func (f *fakeIdentity) Introspect(_ context.Context, accessToken string) (*idp.Introspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspections++
	if intro, ok := f.active[accessToken]; ok {
		return intro, nil
	}
	return &idp.Introspection{Active: false}, nil
}

func (f *fakeIdentity) GetUserByEmail(_ context.Context, email string) (*idp.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[email]; ok {
		return user, nil
	}
	return nil, idp.ErrUserNotFound
}

func (f *fakeIdentity) Register(_ context.Context, user idp.NewUser) (*idp.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[user.Email]; exists {
		return nil, idp.ErrUserExists
	}
	f.seq++
	created := &idp.User{
		ID:            fmt.Sprintf("user-%d", f.seq),
		Username:      user.Username,
		Email:         user.Email,
		Enabled:       true,
		EmailVerified: user.EmailVerified,
	}
	f.users[user.Email] = created
	if user.Password != "" {
		f.passwords[user.Username] = user.Password
	}
	if user.EmailVerified {
		f.verified[created.ID] = true
	}
	return created, nil
}

func (f *fakeIdentity) MarkEmailVerified(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[userID] = true
	return nil
}

func (f *fakeIdentity) ResetPassword(_ context.Context, userID, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.ID == userID {
			f.passwords[user.Username] = newPassword
			return nil
		}
	}
	return idp.ErrUserNotFound
}

func (f *fakeIdentity) IssueTokensForUser(_ context.Context, userID string) (*idp.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	for _, user := range f.users {
		if user.ID == userID {
			return f.mint(user), nil
		}
	}
	return nil, idp.ErrUserNotFound
}

func (f *fakeIdentity) introspectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.introspections
}

// allowAll is the default test policy.
func allowAll(context.Context, policy.Input) (*policy.Decision, error) {
	return &policy.Decision{Allow: true, Reason: "test"}, nil
}

type testEnv struct {
	engine   *Engine
	identity *fakeIdentity
	capture  *delivery.Capture
	redis    *miniredis.Miniredis
}

func newTestEngine(t *testing.T, mutators ...func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	for _, mutate := range mutators {
		mutate(&cfg)
	}

	identity := newFakeIdentity()
	capture := &delivery.Capture{}

	engine, err := NewBuilder().
		WithConfig(cfg).
		WithRedisClient(rdb).
		WithIdentityProvider(identity).
		WithPolicyClient(policy.Func(allowAll)).
		WithSender(capture).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	return &testEnv{engine: engine, identity: identity, capture: capture, redis: mr}
}

func TestLoginWithoutMFAReturnsTokens(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	result, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.MFARequired {
		t.Fatal("expected direct login without MFA")
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	_, err := env.engine.Login(context.Background(), "alice@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxAttempts = 3
	})
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Login(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	// The window is exhausted; even the right password is refused now.
	if _, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLoginSuccessResetsRateWindow(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxAttempts = 3
	})
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	for i := 0; i < 2; i++ {
		_, _ = env.engine.Login(context.Background(), "alice@example.com", "wrong")
	}
	if _, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The counter restarted; two more failures stay under the budget.
	for i := 0; i < 2; i++ {
		if _, err := env.engine.Login(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
}

func TestRefreshTokenInvalid(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.RefreshToken(context.Background(), "no-such-token")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRefreshTokenRotates(t *testing.T) {
	env := newTestEngine(t)
	env.identity.addUser("u1", "alice@example.com", "hunter2")

	login, err := env.engine.Login(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	refreshed, err := env.engine.RefreshToken(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if refreshed.AccessToken == login.AccessToken {
		t.Fatal("expected a fresh access token")
	}
}

func TestRegisterUser(t *testing.T) {
	env := newTestEngine(t)

	user, err := env.engine.RegisterUser(context.Background(), RegisterUserRequest{
		Email:    "new@example.com",
		Password: "s3cret",
	})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a user id")
	}

	// The welcome message went out over the side-channel.
	if msg, ok := env.capture.Last(); !ok || msg.To != "new@example.com" {
		t.Fatalf("expected welcome delivery to new@example.com, got %+v", msg)
	}

	_, err = env.engine.RegisterUser(context.Background(), RegisterUserRequest{
		Email:    "new@example.com",
		Password: "s3cret",
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed on duplicate, got %v", err)
	}
}

func TestRegisterUserRejectsBadEmail(t *testing.T) {
	env := newTestEngine(t)

	if _, err := env.engine.RegisterUser(context.Background(), RegisterUserRequest{Email: "nope"}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}

func TestEngineNotReady(t *testing.T) {
	var engine *Engine
	if _, err := engine.Login(context.Background(), "a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close on nil engine: %v", err)
	}
}
