// Package oauth provides OAuth 2.1 helpers shared by the identity providers.
//
// # Core Components
//
//   - PKCE: S256 verifier/challenge generation (RFC 7636)
//   - GenerateState: random state parameters for the authorization request
//   - Discoverer: RFC 8414 / OIDC metadata discovery with a TTL cache and
//     singleflight de-duplication of concurrent fetches
//   - ParseBearerChallenge: WWW-Authenticate parsing (RFC 6750), used to tell
//     an invalid token apart from other 401 causes
//
// # Usage
//
//	d := oauth.NewDiscoverer(oauth.WithHTTPClient(httpClient))
//	meta, err := d.DiscoverMetadata(ctx, "https://accounts.example.com")
//
//	pkce := oauth.GeneratePKCE()
//	state, err := oauth.GenerateState()
package oauth
