package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// CredentialType discriminates the Credentials variants.
type CredentialType string

const (
	CredentialTypeOAuth2         CredentialType = "oauth2"
	CredentialTypeServiceAccount CredentialType = "service_account"
	CredentialTypeAPIKey         CredentialType = "api_key"
)

// Credentials is the closed set of credential values a provider can issue.
// Implementations are immutable values: a refresh produces a new value.
type Credentials interface {
	// Type returns the variant tag.
	Type() CredentialType
	// Provider returns the name of the provider that issued the credentials.
	Provider() string
	// Bearer returns the token presented to downstream services.
	Bearer() string
	// Expiry returns the expiration time, or the zero time if the credential does not expire.
	Expiry() time.Time
	// Scopes returns a copy of the granted scopes.
	Scopes() []string

	sealed()
}

// OAuth2Credentials are issued by an authorization-code (PKCE) flow.
type OAuth2Credentials struct {
	ProviderName  string    `json:"provider"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	IDToken       string    `json:"id_token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	GrantedScopes []string  `json:"scopes,omitempty"`
}

func (c OAuth2Credentials) Type() CredentialType { return CredentialTypeOAuth2 }
func (c OAuth2Credentials) Provider() string     { return c.ProviderName }
func (c OAuth2Credentials) Bearer() string       { return c.AccessToken }
func (c OAuth2Credentials) Expiry() time.Time    { return c.ExpiresAt }
func (c OAuth2Credentials) Scopes() []string     { return cloneStrings(c.GrantedScopes) }
func (OAuth2Credentials) sealed()                {}

// ServiceAccountCredentials are derived from service-account key material or
// application default credentials. They carry no refresh token.
type ServiceAccountCredentials struct {
	ProviderName  string    `json:"provider"`
	AccessToken   string    `json:"access_token"`
	TokenType     string    `json:"token_type,omitempty"`
	ClientEmail   string    `json:"client_email,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	GrantedScopes []string  `json:"scopes,omitempty"`
}

func (c ServiceAccountCredentials) Type() CredentialType { return CredentialTypeServiceAccount }
func (c ServiceAccountCredentials) Provider() string     { return c.ProviderName }
func (c ServiceAccountCredentials) Bearer() string       { return c.AccessToken }
func (c ServiceAccountCredentials) Expiry() time.Time    { return c.ExpiresAt }
func (c ServiceAccountCredentials) Scopes() []string     { return cloneStrings(c.GrantedScopes) }
func (ServiceAccountCredentials) sealed()                {}

// APIKeyCredentials wrap a bare API key.
type APIKeyCredentials struct {
	ProviderName  string    `json:"provider"`
	KeyID         string    `json:"key_id"`
	Key           string    `json:"key"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	GrantedScopes []string  `json:"scopes,omitempty"`
}

func (c APIKeyCredentials) Type() CredentialType { return CredentialTypeAPIKey }
func (c APIKeyCredentials) Provider() string     { return c.ProviderName }
func (c APIKeyCredentials) Bearer() string       { return c.Key }
func (c APIKeyCredentials) Expiry() time.Time    { return c.ExpiresAt }
func (c APIKeyCredentials) Scopes() []string     { return cloneStrings(c.GrantedScopes) }
func (APIKeyCredentials) sealed()                {}

// IsExpired reports whether c is expired at now, treating credentials that
// expire within margin as already expired. Credentials without an expiry never expire.
func IsExpired(c Credentials, now time.Time, margin time.Duration) bool {
	if c == nil {
		return true
	}
	exp := c.Expiry()
	if exp.IsZero() {
		return false
	}
	return !now.Add(margin).Before(exp)
}

// RefreshTokenOf returns the refresh token carried by c, if any.
func RefreshTokenOf(c Credentials) string {
	if oc, ok := c.(OAuth2Credentials); ok {
		return oc.RefreshToken
	}
	return ""
}

// CloneCredentials returns a copy of c that shares no slices with it.
func CloneCredentials(c Credentials) Credentials {
	switch v := c.(type) {
	case OAuth2Credentials:
		v.GrantedScopes = cloneStrings(v.GrantedScopes)
		return v
	case ServiceAccountCredentials:
		v.GrantedScopes = cloneStrings(v.GrantedScopes)
		return v
	case APIKeyCredentials:
		v.GrantedScopes = cloneStrings(v.GrantedScopes)
		return v
	default:
		return c
	}
}

type envelope struct {
	Type CredentialType  `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalCredentials encodes c as a {type, data} JSON envelope.
func MarshalCredentials(c Credentials) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot marshal nil credentials")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: c.Type(), Data: data})
}

// UnmarshalCredentials decodes an envelope produced by MarshalCredentials.
func UnmarshalCredentials(b []byte) (Credentials, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode credential envelope: %w", err)
	}

	switch env.Type {
	case CredentialTypeOAuth2:
		var c OAuth2Credentials
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case CredentialTypeServiceAccount:
		var c ServiceAccountCredentials
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case CredentialTypeAPIKey:
		var c APIKeyCredentials
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", env.Type)
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
