// Package store provides CredentialStore backends keyed by session id.
//
// MemoryStore is the default. FileStore writes one JSON record per session
// under a private directory and can seal the credential payload with an
// AES-256-GCM key from github.com/giantswarm/mcp-oauth/security.
package store
