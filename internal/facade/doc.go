// Package facade exposes the authentication coordinator as MCP tools:
// authenticate, refresh, validate, revoke, status, capabilities, providers
// and metrics. Every tool returns a JSON document. Credential secrets never
// leave the process; results describe credentials by type, provider,
// expiry and scopes.
package facade
