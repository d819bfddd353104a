package auth

import (
	"context"
)

// ProviderType identifies the family of a Provider.
type ProviderType string

const (
	ProviderTypeOAuth2         ProviderType = "oauth2"
	ProviderTypeServiceAccount ProviderType = "service_account"
	ProviderTypeAPIKey         ProviderType = "api_key"
)

// Provider authenticates against one identity backend.
//
// Providers perform network I/O only; they never touch sessions, the
// credential store or the token cache. Every method must honour ctx.
type Provider interface {
	// Name is the registry key, also used as the credentials' provider tag.
	Name() string

	// Type reports the provider family.
	Type() ProviderType

	// Authenticate runs the provider's protocol exchange.
	Authenticate(ctx context.Context, opts AuthenticateOptions) AuthenticationResult

	// Refresh obtains new credentials. A backend-reported invalid grant
	// yields RequiresReauth.
	Refresh(ctx context.Context, creds Credentials) RefreshTokenResult

	// Validate checks credentials without mutating them.
	Validate(ctx context.Context, creds Credentials) ValidationResult

	// Revoke invalidates credentials at the backend.
	Revoke(ctx context.Context, creds Credentials) error
}

// Stopper is implemented by providers that own background resources.
type Stopper interface {
	Stop()
}
