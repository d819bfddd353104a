// Package coordinator implements the unified authentication manager.
//
// A Manager owns the provider registry, the session table, the credential
// store and the token cache. Callers authenticate through it, then fetch,
// validate, refresh and revoke credentials by session id:
//
//	mgr, err := coordinator.New(cfg, store.NewMemoryStore(), tc)
//	_ = mgr.RegisterProvider(oauthProvider, coordinator.WithRateLimit(5, 10))
//	res := mgr.Authenticate(ctx, "google", auth.AuthenticateOptions{Code: code, State: state})
//	creds := mgr.GetCredentials(ctx, res.Context.SessionID, true)
//
// Session states move from authenticated to expired (validation reported
// expiry, or a refresh needs re-authentication) and end when revoked or
// cleaned up. Start runs the background refresh check, session cleanup and
// cache sweep; Stop cancels them deterministically.
package coordinator
