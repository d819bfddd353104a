package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"authcoord/internal/auth"
	"authcoord/pkg/logging"
	pkgoauth "authcoord/pkg/oauth"
)

// DefaultPermissionsClaim is the ID token claim permissions are read from.
const DefaultPermissionsClaim = "permissions"

// OAuth2Config configures an authorization-code (PKCE) provider.
//
// Endpoints are either given explicitly or discovered from Issuer.
type OAuth2Config struct {
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	RedirectURL  string   `yaml:"redirectUrl"`
	Scopes       []string `yaml:"scopes,omitempty"`

	Issuer      string `yaml:"issuer,omitempty"`
	AuthURL     string `yaml:"authUrl,omitempty"`
	TokenURL    string `yaml:"tokenUrl,omitempty"`
	RevokeURL   string `yaml:"revokeUrl,omitempty"`
	UserinfoURL string `yaml:"userinfoUrl,omitempty"`

	// PermissionsClaim names the ID token claim holding permissions. When the
	// claim is absent, "groups" is used.
	PermissionsClaim string `yaml:"permissionsClaim,omitempty"`

	// FlowExpiry bounds how long an authorization URL stays redeemable.
	FlowExpiry time.Duration `yaml:"flowExpiry,omitempty"`
}

// Validate checks the configuration for structural errors.
func (c *OAuth2Config) Validate(requireHTTPS bool) error {
	var problems []string
	if c.ClientID == "" {
		problems = append(problems, "clientId is required")
	}
	if c.RedirectURL == "" {
		problems = append(problems, "redirectUrl is required")
	}
	if c.Issuer == "" && (c.AuthURL == "" || c.TokenURL == "") {
		problems = append(problems, "either issuer or both authUrl and tokenUrl are required")
	}
	for _, ep := range []struct{ field, value string }{
		{"issuer", c.Issuer},
		{"authUrl", c.AuthURL},
		{"tokenUrl", c.TokenURL},
		{"revokeUrl", c.RevokeURL},
		{"userinfoUrl", c.UserinfoURL},
		{"redirectUrl", c.RedirectURL},
	} {
		if err := checkEndpoint(ep.field, ep.value, requireHTTPS); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// OAuth2Provider implements the authorization-code flow with PKCE.
//
// Authenticate without a code starts a flow and returns the authorization URL
// in the result; Authenticate with {code, state} completes it.
type OAuth2Provider struct {
	base
	cfg        OAuth2Config
	discoverer *pkgoauth.Discoverer
	flows      *flowStore

	endpointsMu sync.Mutex
	endpoints   *resolvedEndpoints
}

type resolvedEndpoints struct {
	authURL     string
	tokenURL    string
	revokeURL   string
	userinfoURL string
}

// NewOAuth2Provider validates cfg and creates the provider. Invalid
// configuration returns a CONFIGURATION_ERROR.
func NewOAuth2Provider(name string, cfg OAuth2Config, requireHTTPS bool, opts ...Option) (*OAuth2Provider, error) {
	if name == "" {
		return nil, auth.NewError(auth.ErrConfiguration, "provider name is required")
	}
	if err := cfg.Validate(requireHTTPS); err != nil {
		return nil, configError(name, "%v", err)
	}
	if cfg.PermissionsClaim == "" {
		cfg.PermissionsClaim = DefaultPermissionsClaim
	}

	p := &OAuth2Provider{
		base: newBase(name, opts),
		cfg:  cfg,
	}
	p.discoverer = pkgoauth.NewDiscoverer(pkgoauth.WithHTTPClient(p.httpClient))
	p.flows = newFlowStore(p.clock, cfg.FlowExpiry)

	if cfg.Issuer == "" {
		p.endpoints = &resolvedEndpoints{
			authURL:     cfg.AuthURL,
			tokenURL:    cfg.TokenURL,
			revokeURL:   cfg.RevokeURL,
			userinfoURL: cfg.UserinfoURL,
		}
	}
	return p, nil
}

func (p *OAuth2Provider) Type() auth.ProviderType { return auth.ProviderTypeOAuth2 }

// AuthorizationURL starts a PKCE flow and returns the URL the user must visit
// together with its state. The verifier never leaves the provider.
func (p *OAuth2Provider) AuthorizationURL(ctx context.Context, sessionID string, scopes []string) (string, string, error) {
	cfg, err := p.oauth2Config(ctx, scopes)
	if err != nil {
		return "", "", err
	}

	pkce := pkgoauth.GeneratePKCE()
	state, err := p.flows.begin(sessionID, pkce, cfg.Scopes)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.CodeVerifier))
	logging.Debug("OAuth2", "Issued authorization URL for provider=%s session=%s",
		p.name, logging.TruncateSessionID(sessionID))
	return authURL, state, nil
}

// Authenticate completes a pending flow when opts carries a code, or starts
// one and reports the authorization URL otherwise.
func (p *OAuth2Provider) Authenticate(ctx context.Context, opts auth.AuthenticateOptions) auth.AuthenticationResult {
	if opts.Code == "" {
		authURL, _, err := p.AuthorizationURL(ctx, opts.SessionID, opts.Scopes)
		if err != nil {
			return auth.Failed(classify(err, auth.ErrAuthFailed, "failed to start authorization flow"))
		}
		ae := auth.NewError(auth.ErrAuthFailed, "user authorization required")
		ae.Code = "authorization_required"
		res := auth.Failed(ae)
		res.AuthorizationURL = authURL
		return res
	}

	if opts.State == "" {
		ae := auth.NewError(auth.ErrAuthFailed, "state is required with an authorization code")
		ae.Code = "invalid_state"
		return auth.Failed(ae)
	}
	flow := p.flows.consume(opts.State)
	if flow == nil {
		ae := auth.NewError(auth.ErrAuthFailed, "unknown, expired or reused authorization state")
		ae.Code = "invalid_state"
		return auth.Failed(ae)
	}

	cfg, err := p.oauth2Config(ctx, flow.Scopes)
	if err != nil {
		return auth.Failed(classify(err, auth.ErrAuthFailed, "failed to resolve endpoints"))
	}

	tok, err := cfg.Exchange(p.oauth2Context(ctx), opts.Code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		logging.Warn("OAuth2", "Code exchange failed for provider=%s: %v", p.name, err)
		return auth.Failed(classify(err, auth.ErrAuthFailed, "authorization code exchange failed"))
	}

	creds := p.credentialsFromToken(tok, cfg.Scopes, "")
	sessionID := flow.SessionID
	if sessionID == "" {
		sessionID = opts.SessionID
	}

	return auth.AuthenticationResult{
		Success:     true,
		Credentials: creds,
		Context: &auth.AuthContext{
			SessionID:   sessionID,
			Credentials: creds,
			Permissions: p.permissionsFromIDToken(creds.IDToken),
			Scopes:      creds.Scopes(),
		},
	}
}

// Refresh exchanges the refresh token for new credentials. A backend
// invalid_grant sets RequiresReauth.
func (p *OAuth2Provider) Refresh(ctx context.Context, creds auth.Credentials) auth.RefreshTokenResult {
	oc, ok := creds.(auth.OAuth2Credentials)
	if !ok {
		return auth.RefreshFailed(auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot refresh %s credentials", p.name, credType(creds)))
	}
	if oc.RefreshToken == "" {
		ae := auth.NewError(auth.ErrRefreshFailed, "no refresh token available")
		ae.Code = "no_refresh_token"
		ae.RequiresReauth = true
		return auth.RefreshFailed(ae)
	}

	cfg, err := p.oauth2Config(ctx, oc.GrantedScopes)
	if err != nil {
		return auth.RefreshFailed(classify(err, auth.ErrRefreshFailed, "failed to resolve endpoints"))
	}

	// An empty access token forces the token source to hit the endpoint.
	src := cfg.TokenSource(p.oauth2Context(ctx), &oauth2.Token{RefreshToken: oc.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		ae := classify(err, auth.ErrRefreshFailed, "token refresh failed")
		logging.Warn("OAuth2", "Refresh failed for provider=%s code=%s reauth=%t", p.name, ae.Code, ae.RequiresReauth)
		return auth.RefreshFailed(ae)
	}

	return auth.RefreshTokenResult{
		Success:     true,
		Credentials: p.credentialsFromToken(tok, oc.GrantedScopes, oc.RefreshToken),
	}
}

// Validate checks expiry locally and, when a userinfo endpoint is known,
// probes it with the access token.
func (p *OAuth2Provider) Validate(ctx context.Context, creds auth.Credentials) auth.ValidationResult {
	if _, ok := creds.(auth.OAuth2Credentials); !ok {
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("unexpected credential type %s", credType(creds))}
	}
	if auth.IsExpired(creds, p.clock.Now(), 0) {
		return auth.ValidationResult{Valid: false, Expired: true, Error: "access token expired"}
	}

	ep, err := p.resolveEndpoints(ctx)
	if err != nil || ep.userinfoURL == "" {
		// Without a probe target the local check is authoritative.
		return auth.ValidationResult{Valid: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.userinfoURL, nil)
	if err != nil {
		return auth.ValidationResult{Valid: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Bearer())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("userinfo probe failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return auth.ValidationResult{Valid: true}
	case resp.StatusCode == http.StatusUnauthorized:
		challenge := pkgoauth.BearerChallengeFromResponse(resp)
		if challenge == nil || challenge.InvalidToken() || challenge.Error == "" {
			return auth.ValidationResult{Valid: false, Expired: true, Error: "access token rejected by userinfo endpoint"}
		}
		return auth.ValidationResult{Valid: false, Error: "userinfo rejected token: " + challenge.Error}
	default:
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("userinfo endpoint returned status %d", resp.StatusCode)}
	}
}

// Revoke calls the revocation endpoint (RFC 7009). The refresh token is
// revoked when present since that also invalidates derived access tokens.
func (p *OAuth2Provider) Revoke(ctx context.Context, creds auth.Credentials) error {
	oc, ok := creds.(auth.OAuth2Credentials)
	if !ok {
		return auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot revoke %s credentials", p.name, credType(creds))
	}

	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return classify(err, auth.ErrRevocationFailed, "failed to resolve endpoints")
	}
	if ep.revokeURL == "" {
		logging.Debug("OAuth2", "Provider %s has no revocation endpoint, skipping remote revoke", p.name)
		return nil
	}

	form := url.Values{}
	if oc.RefreshToken != "" {
		form.Set("token", oc.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", oc.AccessToken)
		form.Set("token_type_hint", "access_token")
	}

	user, pass := "", ""
	if p.cfg.ClientSecret != "" {
		user, pass = p.cfg.ClientID, p.cfg.ClientSecret
	} else {
		form.Set("client_id", p.cfg.ClientID)
	}

	if err := p.postForm(ctx, ep.revokeURL, form, user, pass, nil); err != nil {
		return classify(err, auth.ErrRevocationFailed, "token revocation failed")
	}
	return nil
}

// PendingFlows returns the number of unredeemed authorization URLs.
func (p *OAuth2Provider) PendingFlows() int {
	return p.flows.len()
}

func (p *OAuth2Provider) oauth2Config(ctx context.Context, scopes []string) (*oauth2.Config, error) {
	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = p.cfg.Scopes
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.authURL,
			TokenURL: ep.tokenURL,
		},
	}, nil
}

// resolveEndpoints returns explicit endpoints, or discovers them from the
// issuer once and keeps the result. Explicit fields override discovered ones.
func (p *OAuth2Provider) resolveEndpoints(ctx context.Context) (*resolvedEndpoints, error) {
	p.endpointsMu.Lock()
	ep := p.endpoints
	p.endpointsMu.Unlock()
	if ep != nil {
		return ep, nil
	}

	md, err := p.discoverer.DiscoverMetadata(ctx, p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery for %s failed: %w", redactURL(p.cfg.Issuer), err)
	}

	ep = &resolvedEndpoints{
		authURL:     firstNonEmpty(p.cfg.AuthURL, md.AuthorizationEndpoint),
		tokenURL:    firstNonEmpty(p.cfg.TokenURL, md.TokenEndpoint),
		revokeURL:   firstNonEmpty(p.cfg.RevokeURL, md.RevocationEndpoint),
		userinfoURL: firstNonEmpty(p.cfg.UserinfoURL, md.UserinfoEndpoint),
	}

	p.endpointsMu.Lock()
	p.endpoints = ep
	p.endpointsMu.Unlock()
	return ep, nil
}

func (p *OAuth2Provider) credentialsFromToken(tok *oauth2.Token, requested []string, previousRefresh string) auth.OAuth2Credentials {
	scopes := requested
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = splitScopes(granted)
	}
	idToken, _ := tok.Extra("id_token").(string)

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	return auth.OAuth2Credentials{
		ProviderName:  p.name,
		AccessToken:   tok.AccessToken,
		RefreshToken:  refresh,
		TokenType:     tok.Type(),
		IDToken:       idToken,
		ExpiresAt:     tok.Expiry,
		GrantedScopes: append([]string(nil), scopes...),
	}
}

// permissionsFromIDToken reads the configured claim from the ID token without
// verifying its signature; the token arrived directly from the token endpoint
// over the provider's TLS connection.
func (p *OAuth2Provider) permissionsFromIDToken(idToken string) []string {
	if idToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		logging.Debug("OAuth2", "Ignoring unparseable ID token from provider=%s: %v", p.name, err)
		return nil
	}

	if perms := stringList(claims[p.cfg.PermissionsClaim]); perms != nil {
		return perms
	}
	return stringList(claims["groups"])
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case string:
		return splitScopes(t)
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func credType(c auth.Credentials) string {
	if c == nil {
		return "nil"
	}
	return string(c.Type())
}
