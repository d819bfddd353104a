// Package auth defines the data model shared by the credential coordinator,
// the identity providers and the security-context manager.
//
// # Credentials
//
// Credentials is a closed interface with three value implementations:
// OAuth2Credentials, ServiceAccountCredentials and APIKeyCredentials. All of
// them expose the same accessors (provider tag, bearer token, expiry, scopes)
// and are never mutated; a refresh yields a new value. MarshalCredentials and
// UnmarshalCredentials wrap them in a {type, data} envelope for persistence.
//
// # Results
//
// Providers and the coordinator report outcomes as data:
// AuthenticationResult, RefreshTokenResult and ValidationResult. Failures are
// carried as *AuthError, whose Type is one of the ErrorType constants.
//
// # Errors
//
// AuthError carries {Type, Code, Message, Retryable, RequiresReauth, Context}
// and wraps the original error:
//
//	if auth.IsType(err, auth.ErrSessionNotFound) {
//	    // already revoked
//	}
package auth
