package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcoord/internal/auth"
	"authcoord/internal/events"
)

func TestRegistry_RegisterAndList(t *testing.T) {
	env := newTestEnv(t, Config{}, WithRateLimit(2, 4))
	require.NoError(t, env.mgr.RegisterProvider(newFakeOAuth2("another", env.clock), Disabled()))

	err := env.mgr.RegisterProvider(newFakeOAuth2("fake-idp", env.clock))
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrConfiguration))

	assert.Equal(t, []ProviderInfo{
		{Name: "another", Type: auth.ProviderTypeOAuth2, Enabled: false},
		{Name: "fake-idp", Type: auth.ProviderTypeOAuth2, Enabled: true, RateLimit: &RateLimit{PerSecond: 2, Burst: 4}},
	}, env.mgr.ListProviders())

	p, ok := env.mgr.Provider("fake-idp")
	require.True(t, ok)
	assert.Equal(t, "fake-idp", p.Name())
}

func TestRegistry_TypeLookupMustBeUnambiguous(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.mgr.RegisterProvider(newFakeOAuth2("second", env.clock)))

	res := env.mgr.Authenticate(context.Background(), "oauth2", auth.AuthenticateOptions{})
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrProviderNotFound, res.Error.Type)
	assert.Contains(t, res.Error.Message, "ambiguous")
}

func TestRegistry_Unregister(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	id := env.authenticate(t).Context.SessionID

	sp := &stoppableProvider{fakeOAuth2: newFakeOAuth2("stoppable", env.clock)}
	require.NoError(t, env.mgr.RegisterProvider(sp))
	require.NoError(t, env.mgr.UnregisterProvider("stoppable"))
	assert.True(t, sp.stopped.Load())

	require.NoError(t, env.mgr.UnregisterProvider("fake-idp"))
	err := env.mgr.UnregisterProvider("fake-idp")
	assert.True(t, auth.IsType(err, auth.ErrProviderNotFound))

	res := env.mgr.RefreshCredentials(ctx, id)
	require.False(t, res.Success)
	assert.Equal(t, auth.ErrProviderNotFound, res.Error.Type)

	// Local revoke still works without the provider.
	require.NoError(t, env.mgr.RevokeCredentials(ctx, id))
}

func TestRegistry_SetProviderEnabledEmitsOnChange(t *testing.T) {
	env := newTestEnv(t, Config{})

	var got []events.EventReason
	env.bus.Subscribe(func(ev events.Event) { got = append(got, ev.Reason) })

	require.NoError(t, env.mgr.SetProviderEnabled("fake-idp", false))
	require.NoError(t, env.mgr.SetProviderEnabled("fake-idp", false))
	require.NoError(t, env.mgr.SetProviderEnabled("fake-idp", true))

	assert.Equal(t, []events.EventReason{events.ReasonProviderDisabled, events.ReasonProviderEnabled}, got)

	err := env.mgr.SetProviderEnabled("missing", true)
	assert.True(t, auth.IsType(err, auth.ErrProviderNotFound))
}

func TestManager_StatusAndCapabilities(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	id := env.authenticate(t).Context.SessionID
	env.authenticate(t)
	require.True(t, env.mgr.ValidateCredentials(ctx, id).Valid)

	st := env.mgr.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 2, st.SessionsByStatus[auth.SessionAuthenticated])
	assert.Equal(t, 2, st.CacheSize)
	require.Len(t, st.Providers, 1)

	caps := env.mgr.Capabilities()
	assert.Equal(t, []auth.ProviderType{auth.ProviderTypeOAuth2}, caps.ProviderTypes)
	assert.Contains(t, caps.Features, "pkce")
	assert.Contains(t, caps.Operations, "metrics")

	snap := env.mgr.MetricsSnapshot()
	assert.Equal(t, int64(2), snap.AuthAttempts)
	assert.Equal(t, int64(2), snap.AuthSuccesses)
	assert.Equal(t, int64(1), snap.Validations)
	assert.Equal(t, 2, snap.ActiveSessions)
	assert.Equal(t, 2, snap.Cache.Size)
}
