// Package providers implements auth.Provider for the supported backends.
//
//   - OAuth2Provider: authorization-code flow with PKCE (S256), explicit or
//     discovered endpoints, refresh-token refresh, userinfo validation and
//     RFC 7009 revocation.
//   - ServiceAccountProvider: RFC 7523 JWT-bearer assertions signed with a
//     service-account key, or application default credentials. The key file
//     can be watched and reloaded on rotation.
//   - APIKeyProvider: pre-shared keys configured as SHA-256 digests.
//
// Providers only talk to their backend. Sessions, the cache and the
// credential store belong to the coordinator.
package providers
