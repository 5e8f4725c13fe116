package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealm is a minimal OIDC provider with a realm-style admin API.
type fakeRealm struct {
	server *httptest.Server
	mux    *http.ServeMux

	users        map[string]User // keyed by email
	activeTokens map[string]Introspection
}

func newFakeRealm(t *testing.T) *fakeRealm {
	t.Helper()
	f := &fakeRealm{
		mux:          http.NewServeMux(),
		users:        make(map[string]User),
		activeTokens: make(map[string]Introspection),
	}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	f.mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		base := f.server.URL
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 base,
			"authorization_endpoint": base + "/auth",
			"token_endpoint":         base + "/token",
			"jwks_uri":               base + "/certs",
			"introspection_endpoint": base + "/introspect",
			"revocation_endpoint":    base + "/revoke",
		})
	})

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostFormValue("grant_type") {
		case "password":
			if r.PostFormValue("username") != "alice" || r.PostFormValue("password") != "hunter2" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			writeTokens(w, "access-alice", "refresh-alice")
		case "refresh_token":
			if r.PostFormValue("refresh_token") != "refresh-alice" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			writeTokens(w, "access-alice-2", "refresh-alice-2")
		case "client_credentials":
			writeTokens(w, "admin-token", "")
		case "urn:ietf:params:oauth:grant-type:token-exchange":
			writeTokens(w, "exchanged-"+r.PostFormValue("requested_subject"), "refresh-exchanged")
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	f.mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		intro, ok := f.activeTokens[r.PostFormValue("token")]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]bool{"active": false})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":       true,
			"sub":          intro.UserID,
			"email":        intro.Email,
			"given_name":   intro.GivenName,
			"family_name":  intro.FamilyName,
			"realm_access": map[string]any{"roles": intro.Roles},
		})
	})

	f.mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.mux.HandleFunc("/admin/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			email := r.URL.Query().Get("email")
			if user, ok := f.users[email]; ok {
				_ = json.NewEncoder(w).Encode([]User{user})
				return
			}
			_ = json.NewEncoder(w).Encode([]User{})
		case http.MethodPost:
			var payload struct {
				Username      string `json:"username"`
				Email         string `json:"email"`
				FirstName     string `json:"firstName"`
				LastName      string `json:"lastName"`
				EmailVerified bool   `json:"emailVerified"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			if _, exists := f.users[payload.Email]; exists {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.users[payload.Email] = User{
				ID:            fmt.Sprintf("user-%d", len(f.users)+1),
				Username:      payload.Username,
				Email:         payload.Email,
				FirstName:     payload.FirstName,
				LastName:      payload.LastName,
				EmailVerified: payload.EmailVerified,
				Enabled:       true,
			}
			w.WriteHeader(http.StatusCreated)
		}
	})

	return f
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    300,
	})
}

func newTestClient(t *testing.T, realm *fakeRealm) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(context.Background(), Config{
		IssuerURL:    realm.server.URL,
		AdminBaseURL: realm.server.URL + "/admin",
		ClientID:     "authrelay",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	return client
}

func TestLogin(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)

	tokens, err := client.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "access-alice", tokens.AccessToken)
	assert.Equal(t, "refresh-alice", tokens.RefreshToken)
	assert.Greater(t, tokens.ExpiresIn, 0)
}

func TestLoginInvalidCredentials(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)

	_, err := client.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)

	tokens, err := client.Refresh(context.Background(), "refresh-alice")
	require.NoError(t, err)
	assert.Equal(t, "access-alice-2", tokens.AccessToken)

	_, err = client.Refresh(context.Background(), "refresh-bogus")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIntrospect(t *testing.T) {
	realm := newFakeRealm(t)
	realm.activeTokens["tok-1"] = Introspection{
		UserID:     "user-9",
		Email:      "alice@example.com",
		GivenName:  "Alice",
		FamilyName: "Smith",
		Roles:      []string{"admin"},
	}
	client := newTestClient(t, realm)

	intro, err := client.Introspect(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, "user-9", intro.UserID)
	assert.Equal(t, []string{"admin"}, intro.Roles)

	inactive, err := client.Introspect(context.Background(), "tok-unknown")
	require.NoError(t, err)
	assert.False(t, inactive.Active)
}

func TestRegisterAndLookup(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)
	ctx := context.Background()

	user, err := client.Register(ctx, NewUser{
		Username:      "bob",
		Email:         "bob@example.com",
		FirstName:     "Bob",
		EmailVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", user.Email)
	assert.True(t, user.EmailVerified)

	_, err = client.Register(ctx, NewUser{Username: "bob2", Email: "bob@example.com"})
	assert.ErrorIs(t, err, ErrUserExists)

	found, err := client.GetUserByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = client.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestIssueTokensForUser(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)

	tokens, err := client.IssueTokensForUser(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-user-42", tokens.AccessToken)
	assert.Equal(t, 300, tokens.ExpiresIn)
}

func TestLogoutRevokes(t *testing.T) {
	realm := newFakeRealm(t)
	client := newTestClient(t, realm)

	assert.NoError(t, client.Logout(context.Background(), "refresh-alice"))
}
