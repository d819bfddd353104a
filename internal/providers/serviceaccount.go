package providers

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"authcoord/internal/auth"
	"authcoord/pkg/logging"
)

const (
	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultAssertionLifetime is the validity of a signed assertion and the
	// token lifetime requested from the backend.
	DefaultAssertionLifetime = time.Hour
)

// ServiceAccountKey is the service-account key document.
type ServiceAccountKey struct {
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	ProjectID    string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	PrivateKeyID string `json:"private_key_id,omitempty" yaml:"private_key_id,omitempty"`
	PrivateKey   string `json:"private_key" yaml:"private_key"`
	ClientEmail  string `json:"client_email" yaml:"client_email"`
	TokenURI     string `json:"token_uri,omitempty" yaml:"token_uri,omitempty"`
}

// ServiceAccountConfig configures a ServiceAccountProvider. Exactly one key
// source is used: KeyFile, inline Key, or application default credentials.
type ServiceAccountConfig struct {
	KeyFile string             `yaml:"keyFile,omitempty"`
	Key     *ServiceAccountKey `yaml:"key,omitempty"`
	UseADC  bool               `yaml:"useADC,omitempty"`

	Scopes []string `yaml:"scopes"`

	// TokenURL overrides the key's token_uri.
	TokenURL string `yaml:"tokenUrl,omitempty"`

	// TokenInfoURL, when set, is probed with the bearer token during validation.
	TokenInfoURL string `yaml:"tokenInfoUrl,omitempty"`

	// Permissions are granted to every session this provider authenticates.
	Permissions []string `yaml:"permissions,omitempty"`

	// WatchKeyFile reloads KeyFile when it changes on disk.
	WatchKeyFile bool `yaml:"watchKeyFile,omitempty"`

	TokenLifetime time.Duration `yaml:"tokenLifetime,omitempty"`
}

// Validate checks the configuration for structural errors.
func (c *ServiceAccountConfig) Validate(requireHTTPS bool) error {
	var problems []string

	sources := 0
	if c.KeyFile != "" {
		sources++
	}
	if c.Key != nil {
		sources++
	}
	if c.UseADC {
		sources++
	}
	switch {
	case sources == 0:
		problems = append(problems, "one of keyFile, key or useADC is required")
	case sources > 1:
		problems = append(problems, "keyFile, key and useADC are mutually exclusive")
	}
	if c.WatchKeyFile && c.KeyFile == "" {
		problems = append(problems, "watchKeyFile requires keyFile")
	}
	if len(c.Scopes) == 0 {
		problems = append(problems, "at least one scope is required")
	}
	if c.TokenLifetime < 0 {
		problems = append(problems, "tokenLifetime must not be negative")
	}
	if err := checkEndpoint("tokenUrl", c.TokenURL, requireHTTPS); err != nil {
		problems = append(problems, err.Error())
	}
	if err := checkEndpoint("tokenInfoUrl", c.TokenInfoURL, requireHTTPS); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// signingKey is parsed key material ready to sign assertions.
type signingKey struct {
	clientEmail string
	projectID   string
	keyID       string
	tokenURI    string
	rsaKey      *rsa.PrivateKey
}

// ServiceAccountProvider obtains bearer tokens with a signed JWT assertion
// (RFC 7523) or from application default credentials. Refresh re-derives a
// token from the current key material.
type ServiceAccountProvider struct {
	base
	cfg          ServiceAccountConfig
	requireHTTPS bool

	keyMu sync.RWMutex
	key   *signingKey

	adcMu sync.Mutex
	adc   *google.Credentials

	watcher *keyFileWatcher
}

// NewServiceAccountProvider validates cfg, loads the key material and, when
// configured, starts watching the key file.
func NewServiceAccountProvider(name string, cfg ServiceAccountConfig, requireHTTPS bool, opts ...Option) (*ServiceAccountProvider, error) {
	if name == "" {
		return nil, auth.NewError(auth.ErrConfiguration, "provider name is required")
	}
	if err := cfg.Validate(requireHTTPS); err != nil {
		return nil, configError(name, "%v", err)
	}
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = DefaultAssertionLifetime
	}

	p := &ServiceAccountProvider{
		base:         newBase(name, opts),
		cfg:          cfg,
		requireHTTPS: requireHTTPS,
	}

	if !cfg.UseADC {
		key, err := p.loadKey()
		if err != nil {
			return nil, configError(name, "%v", err)
		}
		p.key = key
	}

	if cfg.WatchKeyFile {
		p.watcher = newKeyFileWatcher(cfg.KeyFile, 0, p.reloadKey)
		if err := p.watcher.Start(); err != nil {
			return nil, configError(name, "%v", err)
		}
	}
	return p, nil
}

func (p *ServiceAccountProvider) Type() auth.ProviderType { return auth.ProviderTypeServiceAccount }

// Stop releases the key file watcher.
func (p *ServiceAccountProvider) Stop() {
	if p.watcher != nil {
		p.watcher.Stop()
	}
}

func (p *ServiceAccountProvider) Authenticate(ctx context.Context, opts auth.AuthenticateOptions) auth.AuthenticationResult {
	creds, err := p.mint(ctx)
	if err != nil {
		logging.Warn("ServiceAccount", "Token request failed for provider=%s: %v", p.name, err)
		return auth.Failed(classify(err, auth.ErrAuthFailed, "service account token request failed"))
	}

	return auth.AuthenticationResult{
		Success:     true,
		Credentials: creds,
		Context: &auth.AuthContext{
			SessionID:   opts.SessionID,
			Credentials: creds,
			Permissions: append([]string(nil), p.cfg.Permissions...),
			Scopes:      creds.Scopes(),
		},
	}
}

// Refresh mints a new token from the same key material. Service-account
// tokens carry no refresh token.
func (p *ServiceAccountProvider) Refresh(ctx context.Context, creds auth.Credentials) auth.RefreshTokenResult {
	if _, ok := creds.(auth.ServiceAccountCredentials); !ok {
		return auth.RefreshFailed(auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot refresh %s credentials", p.name, credType(creds)))
	}

	next, err := p.mint(ctx)
	if err != nil {
		return auth.RefreshFailed(classify(err, auth.ErrRefreshFailed, "service account token refresh failed"))
	}
	return auth.RefreshTokenResult{Success: true, Credentials: next}
}

// Validate checks expiry and, when configured, asks the token-info endpoint.
func (p *ServiceAccountProvider) Validate(ctx context.Context, creds auth.Credentials) auth.ValidationResult {
	if _, ok := creds.(auth.ServiceAccountCredentials); !ok {
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("unexpected credential type %s", credType(creds))}
	}
	if auth.IsExpired(creds, p.clock.Now(), 0) {
		return auth.ValidationResult{Valid: false, Expired: true, Error: "access token expired"}
	}
	if p.cfg.TokenInfoURL == "" {
		return auth.ValidationResult{Valid: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TokenInfoURL, nil)
	if err != nil {
		return auth.ValidationResult{Valid: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Bearer())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("token info probe failed: %v", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return auth.ValidationResult{Valid: true}
	case http.StatusBadRequest, http.StatusUnauthorized:
		return auth.ValidationResult{Valid: false, Expired: true, Error: "token rejected by token info endpoint"}
	default:
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("token info endpoint returned status %d", resp.StatusCode)}
	}
}

// Revoke is a no-op: assertion-derived tokens expire on their own and the key
// itself is managed outside this process.
func (p *ServiceAccountProvider) Revoke(_ context.Context, creds auth.Credentials) error {
	if _, ok := creds.(auth.ServiceAccountCredentials); !ok {
		return auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot revoke %s credentials", p.name, credType(creds))
	}
	logging.Debug("ServiceAccount", "Provider %s has no remote revocation, dropping token locally", p.name)
	return nil
}

// ClientEmail returns the identity of the loaded key, or "" for ADC.
func (p *ServiceAccountProvider) ClientEmail() string {
	p.keyMu.RLock()
	defer p.keyMu.RUnlock()
	if p.key == nil {
		return ""
	}
	return p.key.clientEmail
}

func (p *ServiceAccountProvider) mint(ctx context.Context) (auth.ServiceAccountCredentials, error) {
	if p.cfg.UseADC {
		return p.mintFromADC(ctx)
	}

	p.keyMu.RLock()
	key := p.key
	p.keyMu.RUnlock()

	now := p.clock.Now()
	assertion, err := signAssertion(key, p.cfg.Scopes, now, p.cfg.TokenLifetime)
	if err != nil {
		return auth.ServiceAccountCredentials{}, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	var tr tokenResponse
	if err := p.postForm(ctx, key.tokenURI, form, "", "", &tr); err != nil {
		return auth.ServiceAccountCredentials{}, err
	}
	if tr.AccessToken == "" {
		return auth.ServiceAccountCredentials{}, fmt.Errorf("token response carried no access_token")
	}

	scopes := p.cfg.Scopes
	if tr.Scope != "" {
		scopes = splitScopes(tr.Scope)
	}
	var expiresAt time.Time
	if tr.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return auth.ServiceAccountCredentials{
		ProviderName:  p.name,
		AccessToken:   tr.AccessToken,
		TokenType:     firstNonEmpty(tr.TokenType, "Bearer"),
		ClientEmail:   key.clientEmail,
		ProjectID:     key.projectID,
		ExpiresAt:     expiresAt,
		GrantedScopes: append([]string(nil), scopes...),
	}, nil
}

func (p *ServiceAccountProvider) mintFromADC(ctx context.Context) (auth.ServiceAccountCredentials, error) {
	p.adcMu.Lock()
	adc := p.adc
	p.adcMu.Unlock()

	if adc == nil {
		// The token source keeps this context for every later refresh, so it
		// must outlive the call that happens to create it.
		found, err := google.FindDefaultCredentials(context.WithoutCancel(p.oauth2Context(ctx)), p.cfg.Scopes...)
		if err != nil {
			return auth.ServiceAccountCredentials{}, fmt.Errorf("application default credentials unavailable: %w", err)
		}
		p.adcMu.Lock()
		p.adc = found
		p.adcMu.Unlock()
		adc = found
	}

	tok, err := tokenWithContext(ctx, adc.TokenSource)
	if err != nil {
		return auth.ServiceAccountCredentials{}, err
	}

	return auth.ServiceAccountCredentials{
		ProviderName:  p.name,
		AccessToken:   tok.AccessToken,
		TokenType:     tok.Type(),
		ProjectID:     adc.ProjectID,
		ExpiresAt:     tok.Expiry,
		GrantedScopes: append([]string(nil), p.cfg.Scopes...),
	}, nil
}

// tokenWithContext bounds a context-free TokenSource by ctx. An abandoned
// call finishes in the background and its result is dropped.
func tokenWithContext(ctx context.Context, src oauth2.TokenSource) (*oauth2.Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok: tok, err: err}
	}()

	select {
	case r := <-done:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ServiceAccountProvider) loadKey() (*signingKey, error) {
	doc := p.cfg.Key
	if p.cfg.KeyFile != "" {
		// #nosec G304 -- the key path comes from operator configuration
		data, err := os.ReadFile(p.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		var parsed ServiceAccountKey
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		doc = &parsed
	}
	return parseSigningKey(doc, p.cfg.TokenURL, p.requireHTTPS)
}

// reloadKey swaps in rotated key material. A broken file keeps the previous key.
func (p *ServiceAccountProvider) reloadKey() {
	key, err := p.loadKey()
	if err != nil {
		logging.Error("ServiceAccount", err, "Ignoring unusable rotated key for provider=%s", p.name)
		return
	}

	p.keyMu.Lock()
	p.key = key
	p.keyMu.Unlock()

	logging.Audit(logging.AuditEvent{
		Action:   "service_account_key_reloaded",
		Outcome:  "success",
		Provider: p.name,
		Details:  "key_id=" + key.keyID,
	})
}

func parseSigningKey(doc *ServiceAccountKey, tokenURLOverride string, requireHTTPS bool) (*signingKey, error) {
	if doc == nil {
		return nil, fmt.Errorf("no key material")
	}
	if doc.ClientEmail == "" {
		return nil, fmt.Errorf("key is missing client_email")
	}
	if doc.PrivateKey == "" {
		return nil, fmt.Errorf("key is missing private_key")
	}

	tokenURI := firstNonEmpty(tokenURLOverride, doc.TokenURI)
	if tokenURI == "" {
		return nil, fmt.Errorf("key has no token_uri and no tokenUrl is configured")
	}
	if err := checkEndpoint("token_uri", tokenURI, requireHTTPS); err != nil {
		return nil, err
	}

	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(doc.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private_key: %w", err)
	}

	return &signingKey{
		clientEmail: doc.ClientEmail,
		projectID:   doc.ProjectID,
		keyID:       doc.PrivateKeyID,
		tokenURI:    tokenURI,
		rsaKey:      rsaKey,
	}, nil
}

// signAssertion builds the RS256 JWT-bearer assertion for key.
func signAssertion(key *signingKey, scopes []string, now time.Time, lifetime time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss":   key.clientEmail,
		"sub":   key.clientEmail,
		"aud":   key.tokenURI,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(lifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.keyID != "" {
		token.Header["kid"] = key.keyID
	}

	signed, err := token.SignedString(key.rsaKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
