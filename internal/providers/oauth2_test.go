package providers

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcoord/internal/auth"
)

func newTestOAuth2Provider(t *testing.T, idp *fakeIdP, mutate func(*OAuth2Config)) *OAuth2Provider {
	t.Helper()
	cfg := OAuth2Config{
		ClientID:    "client-1",
		RedirectURL: "http://localhost:8080/callback",
		Scopes:      []string{"openid", "profile"},
		AuthURL:     idp.URL("/authorize"),
		TokenURL:    idp.URL("/token"),
		RevokeURL:   idp.URL("/revoke"),
		UserinfoURL: idp.URL("/userinfo"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewOAuth2Provider("idp", cfg, true)
	require.NoError(t, err)
	return p
}

// completeFlow drives the authorization-code flow and returns the result.
func completeFlow(t *testing.T, p *OAuth2Provider, idp *fakeIdP, sessionID string) auth.AuthenticationResult {
	t.Helper()
	ctx := context.Background()

	start := p.Authenticate(ctx, auth.AuthenticateOptions{SessionID: sessionID})
	require.False(t, start.Success)
	require.NotNil(t, start.Error)
	assert.Equal(t, "authorization_required", start.Error.Code)
	require.NotEmpty(t, start.AuthorizationURL)

	u, err := url.Parse(start.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("state"))

	idp.expectCode("code-1", q.Get("code_challenge"))
	return p.Authenticate(ctx, auth.AuthenticateOptions{Code: "code-1", State: q.Get("state")})
}

func TestOAuth2Provider_AuthorizationCodeFlow(t *testing.T) {
	idp := newFakeIdP(t)
	idp.permissions = []string{"read", "write"}
	p := newTestOAuth2Provider(t, idp, nil)

	res := completeFlow(t, p, idp, "session-1")
	require.True(t, res.Success, "flow failed: %v", res.Error)

	creds, ok := res.Credentials.(auth.OAuth2Credentials)
	require.True(t, ok)
	assert.Equal(t, "idp", creds.ProviderName)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
	assert.NotEmpty(t, creds.IDToken)
	assert.True(t, creds.ExpiresAt.After(time.Now()))
	assert.Equal(t, []string{"openid", "profile"}, creds.GrantedScopes)

	require.NotNil(t, res.Context)
	assert.Equal(t, "session-1", res.Context.SessionID)
	assert.Equal(t, []string{"read", "write"}, res.Context.Permissions)
	assert.Equal(t, 0, p.PendingFlows())
}

func TestOAuth2Provider_StateIsSingleUse(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)
	ctx := context.Background()

	authURL, state, err := p.AuthorizationURL(ctx, "s", nil)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	idp.expectCode("code-1", u.Query().Get("code_challenge"))

	first := p.Authenticate(ctx, auth.AuthenticateOptions{Code: "code-1", State: state})
	require.True(t, first.Success)

	second := p.Authenticate(ctx, auth.AuthenticateOptions{Code: "code-1", State: state})
	require.False(t, second.Success)
	assert.Equal(t, "invalid_state", second.Error.Code)
}

func TestOAuth2Provider_CodeWithoutState(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)

	res := p.Authenticate(context.Background(), auth.AuthenticateOptions{Code: "code-1"})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrAuthFailed, res.Error.Type)
	assert.Equal(t, "invalid_state", res.Error.Code)
}

func TestOAuth2Provider_Refresh(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)

	res := completeFlow(t, p, idp, "s")
	require.True(t, res.Success)
	before := res.Credentials.(auth.OAuth2Credentials)

	refreshed := p.Refresh(context.Background(), before)
	require.True(t, refreshed.Success, "refresh failed: %v", refreshed.Error)

	after := refreshed.Credentials.(auth.OAuth2Credentials)
	assert.Equal(t, "access-2", after.AccessToken)
	assert.Equal(t, "refresh-2", after.RefreshToken)
	assert.False(t, after.ExpiresAt.Before(before.ExpiresAt))
	assert.Equal(t, before.GrantedScopes, after.GrantedScopes)
}

func TestOAuth2Provider_RefreshInvalidGrantRequiresReauth(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)
	idp.killRefreshToken("dead")

	res := p.Refresh(context.Background(), auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a", RefreshToken: "dead"})
	require.False(t, res.Success)
	assert.True(t, res.RequiresReauth)
	require.NotNil(t, res.Error)
	assert.Equal(t, auth.ErrRefreshFailed, res.Error.Type)
	assert.Equal(t, "invalid_grant", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestOAuth2Provider_RefreshWithoutRefreshToken(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)

	res := p.Refresh(context.Background(), auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a"})
	require.False(t, res.Success)
	assert.True(t, res.RequiresReauth)
	assert.Equal(t, "no_refresh_token", res.Error.Code)
	assert.Equal(t, 0, idp.tokenCalls)
}

func TestOAuth2Provider_RefreshNetworkFailureIsRetryable(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)
	idp.server.Close()

	res := p.Refresh(context.Background(), auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a", RefreshToken: "r"})
	require.False(t, res.Success)
	assert.False(t, res.RequiresReauth)
	assert.Equal(t, auth.ErrNetwork, res.Error.Type)
	assert.True(t, res.Error.Retryable)
}

func TestOAuth2Provider_RefreshRejectsForeignCredentials(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)

	res := p.Refresh(context.Background(), auth.APIKeyCredentials{ProviderName: "keys", Key: "k"})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrInvalidCredentials, res.Error.Type)
}

func TestOAuth2Provider_Validate(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)
	ctx := context.Background()

	live := auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)}

	t.Run("valid", func(t *testing.T) {
		res := p.Validate(ctx, live)
		assert.True(t, res.Valid)
	})

	t.Run("locally expired", func(t *testing.T) {
		res := p.Validate(ctx, auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a", ExpiresAt: time.Now().Add(-time.Minute)})
		assert.False(t, res.Valid)
		assert.True(t, res.Expired)
	})

	t.Run("rejected by userinfo", func(t *testing.T) {
		idp.mu.Lock()
		idp.userinfoStatus = http.StatusUnauthorized
		idp.mu.Unlock()
		t.Cleanup(func() {
			idp.mu.Lock()
			idp.userinfoStatus = http.StatusOK
			idp.mu.Unlock()
		})

		res := p.Validate(ctx, live)
		assert.False(t, res.Valid)
		assert.True(t, res.Expired)
	})

	t.Run("userinfo server error", func(t *testing.T) {
		idp.mu.Lock()
		idp.userinfoStatus = http.StatusInternalServerError
		idp.mu.Unlock()
		t.Cleanup(func() {
			idp.mu.Lock()
			idp.userinfoStatus = http.StatusOK
			idp.mu.Unlock()
		})

		res := p.Validate(ctx, live)
		assert.False(t, res.Valid)
		assert.False(t, res.Expired)
	})
}

func TestOAuth2Provider_Revoke(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, nil)
	ctx := context.Background()

	require.NoError(t, p.Revoke(ctx, auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, p.Revoke(ctx, auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "only-access"}))

	idp.mu.Lock()
	defer idp.mu.Unlock()
	assert.Equal(t, []string{"r", "only-access"}, idp.revoked)
}

func TestOAuth2Provider_RevokeWithoutEndpoint(t *testing.T) {
	idp := newFakeIdP(t)
	p := newTestOAuth2Provider(t, idp, func(c *OAuth2Config) { c.RevokeURL = "" })

	require.NoError(t, p.Revoke(context.Background(), auth.OAuth2Credentials{ProviderName: "idp", AccessToken: "a"}))
	assert.Empty(t, idp.revoked)
}

func TestOAuth2Provider_DiscoversEndpointsFromIssuer(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := NewOAuth2Provider("idp", OAuth2Config{
		ClientID:    "client-1",
		RedirectURL: "http://localhost:8080/callback",
		Issuer:      idp.URL(""),
	}, true)
	require.NoError(t, err)

	res := completeFlow(t, p, idp, "s")
	require.True(t, res.Success, "flow failed: %v", res.Error)

	require.NoError(t, p.Revoke(context.Background(), res.Credentials))
	idp.mu.Lock()
	defer idp.mu.Unlock()
	assert.Equal(t, []string{"refresh-1"}, idp.revoked)
}

func TestOAuth2Config_Validate(t *testing.T) {
	tests := []struct {
		name         string
		cfg          OAuth2Config
		requireHTTPS bool
		wantErr      string
	}{
		{
			name:    "missing client id",
			cfg:     OAuth2Config{RedirectURL: "https://app/cb", Issuer: "https://idp"},
			wantErr: "clientId is required",
		},
		{
			name:    "no endpoints",
			cfg:     OAuth2Config{ClientID: "c", RedirectURL: "https://app/cb"},
			wantErr: "either issuer or both authUrl and tokenUrl are required",
		},
		{
			name:         "plain http rejected",
			cfg:          OAuth2Config{ClientID: "c", RedirectURL: "https://app/cb", Issuer: "http://idp.example.com"},
			requireHTTPS: true,
			wantErr:      "issuer must use HTTPS",
		},
		{
			name:         "loopback http allowed",
			cfg:          OAuth2Config{ClientID: "c", RedirectURL: "http://127.0.0.1:9000/cb", Issuer: "http://localhost:8080"},
			requireHTTPS: true,
		},
		{
			name: "explicit endpoints",
			cfg:  OAuth2Config{ClientID: "c", RedirectURL: "https://app/cb", AuthURL: "https://idp/a", TokenURL: "https://idp/t"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.requireHTTPS)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewOAuth2Provider_InvalidConfigIsConfigurationError(t *testing.T) {
	_, err := NewOAuth2Provider("idp", OAuth2Config{}, false)
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrConfiguration))
}
