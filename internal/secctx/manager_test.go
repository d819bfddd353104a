package secctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"authcoord/internal/auth"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(testEpoch)
	m, err := New(cfg, append([]Option{WithClock(fc)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, fc
}

func oauthContext(sessionID string, permissions ...string) auth.AuthContext {
	return auth.AuthContext{
		SessionID: sessionID,
		Credentials: auth.OAuth2Credentials{
			ProviderName: "google",
			AccessToken:  "access-1",
			ExpiresAt:    testEpoch.Add(time.Hour),
		},
		Permissions: permissions,
	}
}

type fakeBinder struct {
	mu       sync.Mutex
	known    map[string]bool
	attached map[string]string
	detached []string
}

func newFakeBinder(sessions ...string) *fakeBinder {
	b := &fakeBinder{known: map[string]bool{}, attached: map[string]string{}}
	for _, s := range sessions {
		b.known[s] = true
	}
	return b
}

func (b *fakeBinder) AttachSecurityContext(sessionID, contextID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known[sessionID] {
		return auth.NewError(auth.ErrSessionNotFound, "unknown session")
	}
	b.attached[sessionID] = contextID
	return nil
}

func (b *fakeBinder) DetachSecurityContext(sessionID, contextID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = append(b.detached, contextID)
	if b.attached[sessionID] == contextID {
		delete(b.attached, sessionID)
	}
}

func TestManager_AllowedComponents(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	sc, err := m.CreateSecurityContext(oauthContext("s1", "read"), "gateway", CreateOptions{
		AllowedComponents: []string{"svc-a"},
	})
	require.NoError(t, err)

	_, err = m.PropagateContext(sc.ID, "svc-b", nil)
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrAccessDenied))

	got, err := m.PropagateContext(sc.ID, "svc-a", nil)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, got.ID)
	assert.Equal(t, []string{sc.ID}, m.ContextsForComponent("svc-a"))
	assert.Empty(t, m.ContextsForComponent("svc-b"))

	violations := m.AuditTrail(AuditFilter{EventType: EventSecurityViolation})
	require.Len(t, violations, 1)
	assert.Equal(t, "svc-b", violations[0].Component)
	assert.Equal(t, string(auth.ErrAccessDenied), violations[0].Details["type"])

	assert.Len(t, m.AuditTrail(AuditFilter{ContextID: sc.ID}), 3, "created, violation, propagated")
}

func TestManager_RequiredPermissions(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	sc, err := m.CreateSecurityContext(oauthContext("s1", "read", "write"), "gateway", CreateOptions{})
	require.NoError(t, err)

	_, err = m.PropagateContext(sc.ID, "svc-a", []string{"read", "write"})
	require.NoError(t, err)

	_, err = m.PropagateContext(sc.ID, "svc-a", []string{"read", "admin"})
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrInsufficientPermissions))
	assert.Contains(t, err.Error(), "admin")

	_, err = m.CreateSecurityContext(oauthContext("s1", "read"), "gateway", CreateOptions{
		RequiredPermissions: []string{"write"},
	})
	assert.True(t, auth.IsType(err, auth.ErrInsufficientPermissions))
}

func TestManager_SecretRequiresTrustedComponent(t *testing.T) {
	m, _ := newTestManager(t, Config{TrustedComponents: []string{"vault"}})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SecurityLevel: LevelSecret})
	require.NoError(t, err)

	_, err = m.PropagateContext(sc.ID, "svc-a", nil)
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrInsufficientTrust))

	_, err = m.GetSecurityContext(sc.ID, "svc-a")
	assert.True(t, auth.IsType(err, auth.ErrInsufficientTrust))

	_, err = m.PropagateContext(sc.ID, "vault", nil)
	require.NoError(t, err)

	got, err := m.GetSecurityContext(sc.ID, "gateway")
	require.NoError(t, err, "the source component always has access")
	assert.Equal(t, LevelSecret, got.AccessControl.SecurityLevel)
}

func TestManager_AccessChecksApplyInOrder(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{
		SecurityLevel:     LevelSecret,
		AllowedComponents: []string{"svc-a"},
	})
	require.NoError(t, err)

	_, err = m.PropagateContext(sc.ID, "svc-b", []string{"admin"})
	assert.True(t, auth.IsType(err, auth.ErrAccessDenied))

	_, err = m.PropagateContext(sc.ID, "svc-a", []string{"admin"})
	assert.True(t, auth.IsType(err, auth.ErrInsufficientTrust))
}

func TestManager_RiskScore(t *testing.T) {
	trustAll := WithDevicePredicate(func(string, string) bool { return true })

	tests := []struct {
		name        string
		authContext auth.AuthContext
		opts        CreateOptions
		extra       []Option
		want        float64
		wantTrusted bool
	}{
		{
			name:        "private network oauth2 on untrusted device",
			authContext: oauthContext("s1", "read"),
			opts:        CreateOptions{SourceIP: "10.1.2.3"},
			want:        0.2,
		},
		{
			name:        "trusted device on loopback",
			authContext: oauthContext("s1", "read"),
			opts:        CreateOptions{SourceIP: "127.0.0.1"},
			extra:       []Option{trustAll},
			want:        0,
			wantTrusted: true,
		},
		{
			name:        "public address adds network risk",
			authContext: oauthContext("s1", "read"),
			opts:        CreateOptions{SourceIP: "203.0.113.7"},
			want:        0.5,
		},
		{
			name: "every signal",
			authContext: auth.AuthContext{
				SessionID:   "s2",
				Credentials: auth.APIKeyCredentials{ProviderName: "keys", KeyID: "ci", Key: "k"},
				Permissions: []string{"read", "admin"},
			},
			opts: CreateOptions{SourceIP: "198.51.100.1"},
			want: 0.8,
		},
		{
			name:        "missing address is unknown",
			authContext: oauthContext("s1", "root"),
			want:        0.6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, Config{}, tt.extra...)
			sc, err := m.CreateSecurityContext(tt.authContext, "gateway", tt.opts)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, sc.RiskScore, 1e-9)
			assert.GreaterOrEqual(t, sc.RiskScore, 0.0)
			assert.LessOrEqual(t, sc.RiskScore, 1.0)
			assert.Equal(t, tt.wantTrusted, sc.TrustedDevice)
		})
	}
}

func TestManager_KnownNetworksAndIPPredicate(t *testing.T) {
	m, _ := newTestManager(t, Config{KnownNetworks: []string{"203.0.113.0/24"}})
	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SourceIP: "203.0.113.7"})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, sc.RiskScore, 1e-9)

	sc, err = m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sc.RiskScore, 1e-9)

	m, _ = newTestManager(t, Config{}, WithIPPredicate(func(string) bool { return true }))
	sc, err = m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, sc.RiskScore, 1e-9)
}

func TestManager_CreateDefaults(t *testing.T) {
	m, _ := newTestManager(t, Config{DefaultTTL: 15 * time.Minute})

	sc, err := m.CreateSecurityContext(oauthContext("s1", "read"), "gateway", CreateOptions{
		UserAgent: "cli/1.0",
		DeviceID:  "laptop",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sc.ID)
	assert.NotEmpty(t, sc.RequestID)
	assert.NotEqual(t, sc.ID, sc.RequestID)
	assert.Equal(t, testEpoch, sc.Timestamp)
	assert.Equal(t, LevelInternal, sc.AccessControl.SecurityLevel)
	assert.Equal(t, testEpoch.Add(15*time.Minute), sc.AccessControl.Expiration)
	assert.True(t, sc.AccessControl.Expiration.After(sc.Timestamp))

	sc, err = m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{RequestID: "req-7", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "req-7", sc.RequestID)
	assert.Equal(t, testEpoch.Add(time.Minute), sc.AccessControl.Expiration)
}

func TestManager_CreateRejectsBadInput(t *testing.T) {
	m, fc := newTestManager(t, Config{})

	tests := []struct {
		name     string
		ac       auth.AuthContext
		source   string
		opts     CreateOptions
		wantType auth.ErrorType
	}{
		{"no source", oauthContext("s1"), "", CreateOptions{}, auth.ErrContextInvalid},
		{"unknown level", oauthContext("s1"), "gateway", CreateOptions{SecurityLevel: "top"}, auth.ErrContextInvalid},
		{"negative ttl", oauthContext("s1"), "gateway", CreateOptions{TTL: -time.Second}, auth.ErrContextInvalid},
		{"no credentials", auth.AuthContext{SessionID: "s1"}, "gateway", CreateOptions{}, auth.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateSecurityContext(tt.ac, tt.source, tt.opts)
			require.Error(t, err)
			assert.True(t, auth.IsType(err, tt.wantType), "got %v", err)
		})
	}

	fc.Step(2 * time.Hour)
	_, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	assert.True(t, auth.IsType(err, auth.ErrTokenExpired))
	assert.Equal(t, 0, m.Stats().ActiveContexts)
}

func TestManager_ReturnsCopies(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	sc, err := m.CreateSecurityContext(oauthContext("s1", "read"), "gateway", CreateOptions{
		AllowedComponents: []string{"svc-a"},
	})
	require.NoError(t, err)
	sc.AuthContext.Permissions[0] = "admin"
	sc.AccessControl.AllowedComponents[0] = "svc-b"

	got, err := m.GetSecurityContext(sc.ID, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, got.AuthContext.Permissions)
	assert.Equal(t, []string{"svc-a"}, got.AccessControl.AllowedComponents)
}

func TestManager_ValidateContext(t *testing.T) {
	m, fc := newTestManager(t, Config{DefaultTTL: 10 * time.Minute})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SourceIP: "10.0.0.1"})
	require.NoError(t, err)

	report := m.ValidateContext(sc.ID)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
	assert.Empty(t, m.AuditTrail(AuditFilter{EventType: EventContextValidated}), "clean validations are not audited")

	fc.Step(10 * time.Minute)
	report = m.ValidateContext(sc.ID)
	assert.False(t, report.Valid)
	assert.True(t, report.Expired)
	assert.Contains(t, report.Issues, "access control expired")
	require.Len(t, m.AuditTrail(AuditFilter{EventType: EventContextValidated}), 1)

	report = m.ValidateContext("missing")
	assert.False(t, report.Valid)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], string(auth.ErrContextNotFound))
}

func TestManager_ValidateDetectsExpiredCredentials(t *testing.T) {
	m, fc := newTestManager(t, Config{DefaultTTL: 2 * time.Hour, MaxContextAge: 3 * time.Hour})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)

	fc.Step(61 * time.Minute)
	report := m.ValidateContext(sc.ID)
	assert.False(t, report.Valid)
	assert.False(t, report.Expired)
	assert.Equal(t, []string{"credentials expired"}, report.Issues)
}

func TestManager_ValidationRules(t *testing.T) {
	lowRisk := MaxRiskRule(0.1)
	mandatoryIP := RequireSourceIPRule()
	mandatoryIP.Mandatory = true

	t.Run("warn policy records warnings", func(t *testing.T) {
		m, _ := newTestManager(t, Config{}, WithRules(lowRisk))
		sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SourceIP: "10.0.0.1"})
		require.NoError(t, err)

		report := m.ValidateContext(sc.ID)
		assert.True(t, report.Valid)
		require.Len(t, report.Warnings, 1)
		assert.Contains(t, report.Warnings[0], "max-risk")

		entries := m.AuditTrail(AuditFilter{EventType: EventContextValidated})
		require.Len(t, entries, 1)
		assert.Equal(t, "true", entries[0].Details["valid"])
	})

	t.Run("mandatory rule fails validation", func(t *testing.T) {
		m, _ := newTestManager(t, Config{}, WithRules(lowRisk, mandatoryIP))
		sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
		require.NoError(t, err)

		report := m.ValidateContext(sc.ID)
		assert.False(t, report.Valid)
		require.Len(t, report.Issues, 1)
		assert.Contains(t, report.Issues[0], "source-ip-present")
		assert.Len(t, report.Warnings, 1)
	})

	t.Run("enforce policy escalates every rule", func(t *testing.T) {
		m, _ := newTestManager(t, Config{RulePolicy: PolicyEnforce}, WithRules(lowRisk))
		sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{SourceIP: "10.0.0.1"})
		require.NoError(t, err)

		report := m.ValidateContext(sc.ID)
		assert.False(t, report.Valid)
		assert.Len(t, report.Issues, 1)
		assert.Empty(t, report.Warnings)
		assert.Equal(t, []string{"max-risk"}, m.Stats().Rules)
	})
}

func TestManager_RevokeContext(t *testing.T) {
	m, _ := newTestManager(t, Config{TrustedComponents: []string{"admin-console"}})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)
	_, err = m.PropagateContext(sc.ID, "svc-a", nil)
	require.NoError(t, err)

	err = m.RevokeContext(sc.ID, "svc-a")
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrAccessDenied))

	require.NoError(t, m.RevokeContext(sc.ID, "gateway"))
	assert.Empty(t, m.ContextsForComponent("gateway"))
	assert.Empty(t, m.ContextsForComponent("svc-a"))

	err = m.RevokeContext(sc.ID, "gateway")
	assert.True(t, auth.IsType(err, auth.ErrContextNotFound))

	_, err = m.GetSecurityContext(sc.ID, "gateway")
	assert.True(t, auth.IsType(err, auth.ErrContextNotFound))

	expired := m.AuditTrail(AuditFilter{EventType: EventContextExpired})
	require.Len(t, expired, 1)
	assert.Equal(t, ReasonManualRevocation, expired[0].Details["reason"])

	other, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.RevokeContext(other.ID, "admin-console"), "trusted components may revoke")
}

func TestManager_StaleContextsCannotPropagate(t *testing.T) {
	m, fc := newTestManager(t, Config{MaxContextAge: 20 * time.Minute, DefaultTTL: 30 * time.Minute})

	sc, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)

	fc.Step(21 * time.Minute)
	_, err = m.PropagateContext(sc.ID, "svc-a", nil)
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrContextInvalid))

	_, err = m.GetSecurityContext(sc.ID, "gateway")
	assert.True(t, auth.IsType(err, auth.ErrContextInvalid))

	assert.Equal(t, 1, m.Cleanup())
	entries := m.AuditTrail(AuditFilter{EventType: EventContextExpired})
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonAutomaticCleanup, entries[0].Details["reason"])
	assert.Equal(t, 0, m.Cleanup())
}

func TestManager_SessionBinder(t *testing.T) {
	binder := newFakeBinder("s1")
	m, fc := newTestManager(t, Config{DefaultTTL: 5 * time.Minute}, WithSessionBinder(binder))

	_, err := m.CreateSecurityContext(oauthContext("unknown"), "gateway", CreateOptions{})
	require.Error(t, err)
	assert.True(t, auth.IsType(err, auth.ErrSessionNotFound))
	assert.Equal(t, 0, m.Stats().ActiveContexts)

	first, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, binder.attached["s1"])

	require.NoError(t, m.RevokeContext(first.ID, "gateway"))
	assert.Equal(t, []string{first.ID}, binder.detached)

	second, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	require.NoError(t, err)
	fc.Step(6 * time.Minute)
	assert.Equal(t, 1, m.Cleanup())
	assert.Equal(t, []string{first.ID, second.ID}, binder.detached)
}

func TestManager_RevokeSessionContexts(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	for i := 0; i < 2; i++ {
		_, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
		require.NoError(t, err)
	}
	keep, err := m.CreateSecurityContext(oauthContext("s2"), "gateway", CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, m.RevokeSessionContexts("s1"))
	assert.Equal(t, 0, m.RevokeSessionContexts("s1"))
	assert.Equal(t, 0, m.RevokeSessionContexts(""))
	assert.Equal(t, []string{keep.ID}, m.ContextsForComponent("gateway"))

	entries := m.AuditTrail(AuditFilter{EventType: EventContextExpired})
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, ReasonSessionRevoked, e.Details["reason"])
	}
}

func TestManager_Disabled(t *testing.T) {
	m, _ := newTestManager(t, Config{Disabled: true})
	assert.False(t, m.Enabled())

	_, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
	assert.True(t, auth.IsType(err, auth.ErrContextDisabled))
	_, err = m.PropagateContext("id", "svc-a", nil)
	assert.True(t, auth.IsType(err, auth.ErrContextDisabled))
	_, err = m.GetSecurityContext("id", "svc-a")
	assert.True(t, auth.IsType(err, auth.ErrContextDisabled))
	assert.True(t, auth.IsType(m.RevokeContext("id", "svc-a"), auth.ErrContextDisabled))
	assert.False(t, m.ValidateContext("id").Valid)
}

func TestManager_BackgroundSweep(t *testing.T) {
	m, fc := newTestManager(t, Config{
		DefaultTTL:        time.Minute,
		CleanupInterval:   5 * time.Minute,
		AuditTrimInterval: 10 * time.Minute,
		AuditMaxEntries:   1,
	})

	for i := 0; i < 3; i++ {
		_, err := m.CreateSecurityContext(oauthContext("s1"), "gateway", CreateOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	require.True(t, fc.HasWaiters())
	assert.True(t, m.Stats().Running)

	fc.Step(5 * time.Minute)
	require.Eventually(t, func() bool {
		return m.Stats().ActiveContexts == 0
	}, 5*time.Second, 10*time.Millisecond)

	fc.Step(5 * time.Minute)
	require.Eventually(t, func() bool {
		return m.Stats().AuditEntries == 1
	}, 5*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Stats().Running)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad network", Config{KnownNetworks: []string{"not-a-cidr"}}},
		{"negative ttl", Config{DefaultTTL: -time.Minute}},
		{"unknown policy", Config{RulePolicy: "strict"}},
		{"negative audit entries", Config{AuditMaxEntries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.True(t, auth.IsType(err, auth.ErrConfiguration))
		})
	}
}
