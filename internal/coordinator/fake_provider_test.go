package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"authcoord/internal/auth"
)

// fakeOAuth2 always succeeds unless told otherwise. Each issued token
// expires tokenTTL after the provider clock's now.
type fakeOAuth2 struct {
	name     string
	clock    clock.PassiveClock
	tokenTTL time.Duration

	issued        atomic.Int64
	refreshCalls  atomic.Int64
	revokeCalls   atomic.Int64
	validateCalls atomic.Int64

	mu             sync.Mutex
	failAuth       *auth.AuthError
	refreshReauth  bool
	revokeErr      error
	validateResult *auth.ValidationResult
	refreshGate    chan struct{}
	permissions    []string
}

func newFakeOAuth2(name string, clk clock.PassiveClock) *fakeOAuth2 {
	return &fakeOAuth2{name: name, clock: clk, tokenTTL: time.Hour}
}

func (f *fakeOAuth2) Name() string            { return f.name }
func (f *fakeOAuth2) Type() auth.ProviderType { return auth.ProviderTypeOAuth2 }

func (f *fakeOAuth2) issue() auth.OAuth2Credentials {
	n := f.issued.Add(1)
	return auth.OAuth2Credentials{
		ProviderName:  f.name,
		AccessToken:   fmt.Sprintf("access-%d", n),
		RefreshToken:  fmt.Sprintf("refresh-%d", n),
		TokenType:     "Bearer",
		ExpiresAt:     f.clock.Now().Add(f.tokenTTL),
		GrantedScopes: []string{"openid"},
	}
}

func (f *fakeOAuth2) Authenticate(_ context.Context, opts auth.AuthenticateOptions) auth.AuthenticationResult {
	f.mu.Lock()
	failure := f.failAuth
	perms := f.permissions
	f.mu.Unlock()

	if failure != nil {
		return auth.Failed(failure)
	}
	creds := f.issue()
	return auth.AuthenticationResult{
		Success:     true,
		Credentials: creds,
		Context: &auth.AuthContext{
			SessionID:   opts.SessionID,
			Credentials: creds,
			Permissions: perms,
			Scopes:      creds.Scopes(),
		},
	}
}

func (f *fakeOAuth2) Refresh(ctx context.Context, _ auth.Credentials) auth.RefreshTokenResult {
	f.refreshCalls.Add(1)

	f.mu.Lock()
	gate := f.refreshGate
	reauth := f.refreshReauth
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return auth.RefreshFailed(auth.Wrap(ctx.Err(), auth.ErrNetwork, "refresh timed out"))
		}
	}
	if reauth {
		ae := auth.NewError(auth.ErrRefreshFailed, "refresh token revoked")
		ae.Code = "invalid_grant"
		ae.RequiresReauth = true
		return auth.RefreshFailed(ae)
	}
	return auth.RefreshTokenResult{Success: true, Credentials: f.issue()}
}

func (f *fakeOAuth2) Validate(_ context.Context, creds auth.Credentials) auth.ValidationResult {
	f.validateCalls.Add(1)

	f.mu.Lock()
	override := f.validateResult
	f.mu.Unlock()

	if override != nil {
		return *override
	}
	if auth.IsExpired(creds, f.clock.Now(), 0) {
		return auth.ValidationResult{Valid: false, Expired: true, Error: "expired"}
	}
	return auth.ValidationResult{Valid: true}
}

func (f *fakeOAuth2) Revoke(context.Context, auth.Credentials) error {
	f.revokeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokeErr
}

// stoppableProvider records Stop calls.
type stoppableProvider struct {
	*fakeOAuth2
	stopped atomic.Bool
}

func (s *stoppableProvider) Stop() { s.stopped.Store(true) }

var errRemoteDown = errors.New("revocation endpoint unavailable")
