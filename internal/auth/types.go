package auth

import (
	"time"
)

// AuthContext is the identity derived from a successful authentication.
// There is exactly one AuthContext per live Session.
type AuthContext struct {
	SessionID   string      `json:"sessionId"`
	Credentials Credentials `json:"-"`
	Permissions []string    `json:"permissions"`
	Scopes      []string    `json:"scopes"`
}

// Clone returns a copy that shares no slices with c.
func (c AuthContext) Clone() AuthContext {
	c.Permissions = cloneStrings(c.Permissions)
	c.Scopes = cloneStrings(c.Scopes)
	return c
}

// HasPermission reports whether p was granted.
func (c AuthContext) HasPermission(p string) bool {
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionAuthenticated SessionStatus = "authenticated"
	SessionExpired       SessionStatus = "expired"
	SessionRevoked       SessionStatus = "revoked"
)

// Session is owned by the coordinator; callers only ever see copies.
type Session struct {
	ID                string        `json:"id"`
	Context           AuthContext   `json:"context"`
	SecurityContextID string        `json:"securityContextId,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivity      time.Time     `json:"lastActivity"`
	RefreshCount      int           `json:"refreshCount"`
	Status            SessionStatus `json:"status"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Context = s.Context.Clone()
	return &cp
}

// AuthenticateOptions are the caller-supplied inputs to an authentication.
// Each provider reads the fields relevant to its flow.
type AuthenticateOptions struct {
	// SessionID requests a specific session id; one is generated when empty.
	SessionID string

	// Code and State complete an OAuth2 authorization-code flow.
	Code  string
	State string

	// Scopes overrides the provider's configured scopes where supported.
	Scopes []string

	// APIKey is the presented key for api_key providers.
	APIKey string
}

// AuthenticationResult is the outcome of an authentication attempt.
type AuthenticationResult struct {
	Success     bool         `json:"success"`
	Credentials Credentials  `json:"-"`
	Context     *AuthContext `json:"context,omitempty"`
	Error       *AuthError   `json:"error,omitempty"`

	// AuthorizationURL is set when the flow needs user interaction before it
	// can complete (OAuth2 without an authorization code).
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
}

// RefreshTokenResult is the outcome of a refresh.
type RefreshTokenResult struct {
	Success        bool        `json:"success"`
	Credentials    Credentials `json:"-"`
	RequiresReauth bool        `json:"requiresReauth,omitempty"`
	Error          *AuthError  `json:"error,omitempty"`
}

// ValidationResult is the outcome of a validation.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Expired bool   `json:"expired,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful AuthenticationResult.
func Failed(err *AuthError) AuthenticationResult {
	return AuthenticationResult{Success: false, Error: err}
}

// RefreshFailed builds an unsuccessful RefreshTokenResult.
func RefreshFailed(err *AuthError) RefreshTokenResult {
	return RefreshTokenResult{Success: false, RequiresReauth: err != nil && err.RequiresReauth, Error: err}
}
