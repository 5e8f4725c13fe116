package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultTimeout = 10 * time.Second

// Config holds the connection settings for an OIDC realm.
type Config struct {
	// IssuerURL is the realm issuer, the base for OIDC discovery.
	IssuerURL string
	// AdminBaseURL is the realm's admin REST root for user management.
	AdminBaseURL string
	ClientID     string
	ClientSecret string
	// Timeout bounds every outbound call. Zero means 10s.
	Timeout time.Duration
}

// discoveryClaims are the non-standard endpoints pulled from the discovery
// document alongside what go-oidc parses itself.
type discoveryClaims struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// HTTPClient implements [Client] against an OIDC provider with a realm-style
// admin API. Construction performs discovery; the client is immutable and
// safe for concurrent use afterwards.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	oauth      *oauth2.Config
	admin      *clientcredentials.Config
	endpoints  discoveryClaims
	tracer     trace.Tracer
}

// NewHTTPClient discovers the realm's endpoints and returns a ready client.
func NewHTTPClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	ctx = oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %v", ErrUnavailable, err)
	}

	var extra discoveryClaims
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("%w: discovery claims: %v", ErrUnavailable, err)
	}

	endpoint := provider.Endpoint()
	if extra.IntrospectionEndpoint == "" {
		extra.IntrospectionEndpoint = endpoint.TokenURL + "/introspect"
	}

	return &HTTPClient{
		cfg:        cfg,
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		admin: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
		},
		endpoints: extra,
		tracer:    otel.Tracer("github.com/authrelay/authrelay/idp"),
	}, nil
}

// callCtx pins the oauth2 machinery to our timeout-bounded HTTP client.
func (c *HTTPClient) callCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (*TokenSet, error) {
	ctx, span := c.tracer.Start(ctx, "idp.login")
	defer span.End()

	token, err := c.oauth.PasswordCredentialsToken(c.callCtx(ctx), username, password)
	if err != nil {
		return nil, c.spanErr(span, mapOAuthErr(err))
	}
	return tokenSet(token), nil
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := c.tracer.Start(ctx, "idp.refresh")
	defer span.End()

	source := c.oauth.TokenSource(c.callCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, c.spanErr(span, mapOAuthErr(err))
	}
	return tokenSet(token), nil
}

func (c *HTTPClient) Logout(ctx context.Context, refreshToken string) error {
	ctx, span := c.tracer.Start(ctx, "idp.logout")
	defer span.End()

	endpoint := c.endpoints.RevocationEndpoint
	if endpoint == "" {
		endpoint = c.endpoints.EndSessionEndpoint
	}
	if endpoint == "" {
		return nil
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"token":         {refreshToken},
		"refresh_token": {refreshToken},
	}
	resp, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return c.spanErr(span, err)
	}
	defer resp.Body.Close()

	// Revocation of an unknown token is a no-op, not a failure.
	if resp.StatusCode >= 500 {
		return c.spanErr(span, fmt.Errorf("%w: revocation returned %d", ErrUnavailable, resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) Introspect(ctx context.Context, accessToken string) (*Introspection, error) {
	ctx, span := c.tracer.Start(ctx, "idp.introspect")
	defer span.End()

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"token":         {accessToken},
	}
	resp, err := c.postForm(ctx, c.endpoints.IntrospectionEndpoint, form)
	if err != nil {
		return nil, c.spanErr(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.spanErr(span, statusErr(resp.StatusCode))
	}

	var body struct {
		Active      bool   `json:"active"`
		Sub         string `json:"sub"`
		Email       string `json:"email"`
		GivenName   string `json:"given_name"`
		FamilyName  string `json:"family_name"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: decode introspection: %v", ErrUnavailable, err))
	}

	span.SetAttributes(attribute.Bool("idp.token_active", body.Active))
	return &Introspection{
		Active:     body.Active,
		UserID:     body.Sub,
		Email:      body.Email,
		GivenName:  body.GivenName,
		FamilyName: body.FamilyName,
		Roles:      body.RealmAccess.Roles,
	}, nil
}

func (c *HTTPClient) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "idp.get_user_by_email")
	defer span.End()

	endpoint := c.cfg.AdminBaseURL + "/users?exact=true&email=" + url.QueryEscape(email)
	resp, err := c.adminRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, c.spanErr(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.spanErr(span, statusErr(resp.StatusCode))
	}

	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: decode users: %v", ErrUnavailable, err))
	}
	if len(users) == 0 {
		return nil, c.spanErr(span, ErrUserNotFound)
	}
	return &users[0], nil
}

func (c *HTTPClient) Register(ctx context.Context, user NewUser) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "idp.register")
	defer span.End()

	payload := map[string]any{
		"username":      user.Username,
		"email":         user.Email,
		"firstName":     user.FirstName,
		"lastName":      user.LastName,
		"enabled":       true,
		"emailVerified": user.EmailVerified,
	}
	if user.Password != "" {
		payload["credentials"] = []map[string]any{
			{"type": "password", "value": user.Password, "temporary": false},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: encode user: %v", ErrUnavailable, err))
	}
	resp, err := c.adminRequest(ctx, http.MethodPost, c.cfg.AdminBaseURL+"/users", body)
	if err != nil {
		return nil, c.spanErr(span, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusConflict:
		return nil, c.spanErr(span, ErrUserExists)
	default:
		return nil, c.spanErr(span, statusErr(resp.StatusCode))
	}

	// The create response carries no body; resolve the account by email.
	return c.GetUserByEmail(ctx, user.Email)
}

func (c *HTTPClient) MarkEmailVerified(ctx context.Context, userID string) error {
	ctx, span := c.tracer.Start(ctx, "idp.mark_email_verified")
	defer span.End()

	body, _ := json.Marshal(map[string]any{"emailVerified": true})
	resp, err := c.adminRequest(ctx, http.MethodPut, c.cfg.AdminBaseURL+"/users/"+url.PathEscape(userID), body)
	if err != nil {
		return c.spanErr(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.spanErr(span, statusErr(resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) ResetPassword(ctx context.Context, userID, newPassword string) error {
	ctx, span := c.tracer.Start(ctx, "idp.reset_password")
	defer span.End()

	body, _ := json.Marshal(map[string]any{
		"type":      "password",
		"value":     newPassword,
		"temporary": false,
	})
	endpoint := c.cfg.AdminBaseURL + "/users/" + url.PathEscape(userID) + "/reset-password"
	resp, err := c.adminRequest(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return c.spanErr(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.spanErr(span, statusErr(resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) IssueTokensForUser(ctx context.Context, userID string) (*TokenSet, error) {
	ctx, span := c.tracer.Start(ctx, "idp.issue_tokens")
	defer span.End()

	form := url.Values{
		"client_id":         {c.cfg.ClientID},
		"client_secret":     {c.cfg.ClientSecret},
		"grant_type":        {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"requested_subject": {userID},
	}
	resp, err := c.postForm(ctx, c.oauth.Endpoint.TokenURL, form)
	if err != nil {
		return nil, c.spanErr(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.spanErr(span, statusErr(resp.StatusCode))
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: decode tokens: %v", ErrUnavailable, err))
	}
	return &TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    body.ExpiresIn,
	}, nil
}

func (c *HTTPClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// adminRequest performs a service-account REST call, fetching the admin
// token through the client-credentials source.
func (c *HTTPClient) adminRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	token, err := c.admin.Token(c.callCtx(ctx))
	if err != nil {
		return nil, mapOAuthErr(err)
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	token.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func (c *HTTPClient) spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func tokenSet(token *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		set.ExpiresIn = int(time.Until(token.Expiry).Seconds())
	}
	return set
}

func mapOAuthErr(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		switch retrieve.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, retrieve.ErrorCode)
		}
		return fmt.Errorf("%w: token endpoint returned %d", ErrUnavailable, retrieve.Response.StatusCode)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func statusErr(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrUserNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrInvalidCredentials, status)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}
