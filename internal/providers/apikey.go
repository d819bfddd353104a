package providers

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcoord/internal/auth"
	"authcoord/pkg/logging"
)

// APIKeyEntry is one accepted key. Only the SHA-256 digest is configured.
type APIKeyEntry struct {
	ID          string        `yaml:"id"`
	SHA256      string        `yaml:"sha256"`
	Permissions []string      `yaml:"permissions,omitempty"`
	Scopes      []string      `yaml:"scopes,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
}

// APIKeyConfig configures an APIKeyProvider.
type APIKeyConfig struct {
	Keys []APIKeyEntry `yaml:"keys"`
}

// Validate checks the configuration for structural errors.
func (c *APIKeyConfig) Validate() error {
	if len(c.Keys) == 0 {
		return errors.New("at least one key is required")
	}

	var problems []string
	seen := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.ID == "" {
			problems = append(problems, fmt.Sprintf("keys[%d]: id is required", i))
		} else if seen[k.ID] {
			problems = append(problems, fmt.Sprintf("keys[%d]: duplicate id %q", i, k.ID))
		}
		seen[k.ID] = true

		if raw, err := hex.DecodeString(k.SHA256); err != nil || len(raw) != sha256.Size {
			problems = append(problems, fmt.Sprintf("keys[%d]: sha256 must be a hex encoded SHA-256 digest", i))
		}
		if k.TTL < 0 {
			problems = append(problems, fmt.Sprintf("keys[%d]: ttl must not be negative", i))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// HashAPIKey returns the digest form used in APIKeyEntry.SHA256.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type apiKeyDigest struct {
	entry  APIKeyEntry
	digest []byte
}

// APIKeyProvider accepts pre-shared keys. It makes no network calls.
type APIKeyProvider struct {
	base
	keys []apiKeyDigest
}

func NewAPIKeyProvider(name string, cfg APIKeyConfig, opts ...Option) (*APIKeyProvider, error) {
	if name == "" {
		return nil, auth.NewError(auth.ErrConfiguration, "provider name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError(name, "%v", err)
	}

	p := &APIKeyProvider{base: newBase(name, opts)}
	for _, k := range cfg.Keys {
		digest, _ := hex.DecodeString(strings.ToLower(k.SHA256))
		p.keys = append(p.keys, apiKeyDigest{entry: k, digest: digest})
	}
	return p, nil
}

func (p *APIKeyProvider) Type() auth.ProviderType { return auth.ProviderTypeAPIKey }

func (p *APIKeyProvider) Authenticate(_ context.Context, opts auth.AuthenticateOptions) auth.AuthenticationResult {
	if opts.APIKey == "" {
		return auth.Failed(auth.NewError(auth.ErrInvalidCredentials, "api key is required"))
	}

	entry, ok := p.match(opts.APIKey)
	if !ok {
		logging.Warn("APIKey", "Rejected unknown key for provider=%s", p.name)
		return auth.Failed(auth.NewError(auth.ErrAuthFailed, "api key not recognised"))
	}

	creds := p.issue(entry, opts.APIKey)
	return auth.AuthenticationResult{
		Success:     true,
		Credentials: creds,
		Context: &auth.AuthContext{
			SessionID:   opts.SessionID,
			Credentials: creds,
			Permissions: append([]string(nil), entry.Permissions...),
			Scopes:      creds.Scopes(),
		},
	}
}

// Refresh extends the expiry of a key that is still configured.
func (p *APIKeyProvider) Refresh(_ context.Context, creds auth.Credentials) auth.RefreshTokenResult {
	kc, ok := creds.(auth.APIKeyCredentials)
	if !ok {
		return auth.RefreshFailed(auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot refresh %s credentials", p.name, credType(creds)))
	}

	entry, ok := p.match(kc.Key)
	if !ok || entry.ID != kc.KeyID {
		ae := auth.NewError(auth.ErrRefreshFailed, "api key is no longer configured")
		ae.Code = "key_removed"
		ae.RequiresReauth = true
		return auth.RefreshFailed(ae)
	}
	return auth.RefreshTokenResult{Success: true, Credentials: p.issue(entry, kc.Key)}
}

func (p *APIKeyProvider) Validate(_ context.Context, creds auth.Credentials) auth.ValidationResult {
	kc, ok := creds.(auth.APIKeyCredentials)
	if !ok {
		return auth.ValidationResult{Valid: false, Error: fmt.Sprintf("unexpected credential type %s", credType(creds))}
	}
	if _, ok := p.match(kc.Key); !ok {
		return auth.ValidationResult{Valid: false, Error: "api key is no longer configured"}
	}
	if auth.IsExpired(kc, p.clock.Now(), 0) {
		return auth.ValidationResult{Valid: false, Expired: true, Error: "api key session expired"}
	}
	return auth.ValidationResult{Valid: true}
}

// Revoke is a no-op; keys are removed through configuration.
func (p *APIKeyProvider) Revoke(_ context.Context, creds auth.Credentials) error {
	if _, ok := creds.(auth.APIKeyCredentials); !ok {
		return auth.Errorf(auth.ErrInvalidCredentials, "provider %s cannot revoke %s credentials", p.name, credType(creds))
	}
	return nil
}

// match compares key against every entry so timing does not reveal which
// entry matched.
func (p *APIKeyProvider) match(key string) (APIKeyEntry, bool) {
	sum := sha256.Sum256([]byte(key))

	var found APIKeyEntry
	matched := false
	for _, k := range p.keys {
		if subtle.ConstantTimeCompare(sum[:], k.digest) == 1 {
			found = k.entry
			matched = true
		}
	}
	return found, matched
}

func (p *APIKeyProvider) issue(entry APIKeyEntry, key string) auth.APIKeyCredentials {
	creds := auth.APIKeyCredentials{
		ProviderName:  p.name,
		KeyID:         entry.ID,
		Key:           key,
		GrantedScopes: append([]string(nil), entry.Scopes...),
	}
	if entry.TTL > 0 {
		creds.ExpiresAt = p.clock.Now().Add(entry.TTL)
	}
	return creds
}
