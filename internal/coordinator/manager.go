package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
	"authcoord/internal/cache"
	"authcoord/internal/events"
	"authcoord/internal/metrics"
	"authcoord/internal/scheduler"
	"authcoord/internal/store"
	"authcoord/pkg/logging"
)

// Manager is the single entry point for authentication. It owns the
// provider registry, the session table, the credential store and the token
// cache; no other component writes sessions.
//
// Provider calls never run under the session lock. Refreshes for one session
// id, whether caller initiated or from the background loop, are collapsed
// into a single in-flight call.
type Manager struct {
	cfg     Config
	store   store.CredentialStore
	cache   *cache.TokenCache
	clock   clock.WithTicker
	metrics *metrics.Metrics
	bus     *events.Bus

	registry     *registry
	refreshGroup singleflight.Group
	newSessionID func() string

	mu       sync.RWMutex
	sessions map[string]*auth.Session

	schedMu   sync.Mutex
	scheduler *scheduler.Scheduler

	stats     stats
	startedAt time.Time
}

// New creates a Manager. Invalid configuration is returned as a
// CONFIGURATION_ERROR.
func New(cfg Config, st store.CredentialStore, tc *cache.TokenCache, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, auth.Wrap(err, auth.ErrConfiguration, "invalid coordinator configuration")
	}
	if st == nil {
		return nil, auth.NewError(auth.ErrConfiguration, "a credential store is required")
	}
	if tc == nil {
		return nil, auth.NewError(auth.ErrConfiguration, "a token cache is required")
	}

	m := &Manager{
		cfg:          cfg,
		store:        st,
		cache:        tc,
		clock:        clock.RealClock{},
		registry:     newRegistry(),
		newSessionID: uuid.NewString,
		sessions:     make(map[string]*auth.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.clock.Now()
	return m, nil
}

// Authenticate runs the named provider's flow and, on success, creates a
// session, persists its credentials and warms the cache. providerKey is a
// provider name or, when unambiguous, a provider type. Failures are returned
// as data.
func (m *Manager) Authenticate(ctx context.Context, providerKey string, opts auth.AuthenticateOptions) auth.AuthenticationResult {
	entry, aerr := m.resolveForAuthentication(providerKey)
	if aerr != nil {
		m.recordAuthFailure(providerKey, aerr, 0)
		return auth.Failed(aerr)
	}
	p := entry.provider
	name := p.Name()

	if entry.limiter != nil && !entry.limiter.AllowN(m.clock.Now(), 1) {
		m.metrics.RecordRateLimited(name)
		aerr := auth.Errorf(auth.ErrRateLimited, "too many authentication attempts for provider %q", name)
		m.recordAuthFailure(name, aerr, 0)
		return auth.Failed(aerr)
	}

	if len(opts.SessionID) > MaxSessionIDLength {
		aerr := auth.Errorf(auth.ErrAuthFailed, "session id exceeds %d characters", MaxSessionIDLength)
		aerr.Code = "invalid_session_id"
		m.recordAuthFailure(name, aerr, 0)
		return auth.Failed(aerr)
	}
	if opts.SessionID == "" {
		opts.SessionID = m.newSessionID()
	}

	if aerr := m.checkSessionCapacity(opts.SessionID); aerr != nil {
		m.recordAuthFailure(name, aerr, 0)
		return auth.Failed(aerr)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.InteractiveTimeout)
	start := m.clock.Now()
	res := p.Authenticate(callCtx, opts)
	elapsed := m.clock.Since(start)
	cancel()

	if !res.Success {
		if res.Error == nil {
			res.Error = auth.Errorf(auth.ErrAuthFailed, "provider %q rejected the authentication", name)
		}
		if res.AuthorizationURL != "" {
			// The flow is waiting on the user; nothing failed yet.
			logging.Debug("Coordinator", "Authorization pending for provider=%s session=%s",
				name, logging.TruncateSessionID(opts.SessionID))
			return res
		}
		m.recordAuthFailure(name, res.Error, elapsed)
		return res
	}
	if res.Credentials == nil {
		aerr := auth.Errorf(auth.ErrAuthFailed, "provider %q returned no credentials", name)
		m.recordAuthFailure(name, aerr, elapsed)
		return auth.Failed(aerr)
	}

	sessionID := opts.SessionID
	var authCtx auth.AuthContext
	if res.Context != nil {
		authCtx = res.Context.Clone()
		if authCtx.SessionID != "" {
			sessionID = authCtx.SessionID
		}
	}
	authCtx.SessionID = sessionID
	authCtx.Credentials = res.Credentials
	if authCtx.Scopes == nil {
		authCtx.Scopes = res.Credentials.Scopes()
	}

	if m.session(sessionID) != nil {
		// The replaced credentials are revoked and everything derived from
		// the old identity is dropped before the new session takes the id.
		logging.Info("Coordinator", "Re-authentication replaces session=%s", logging.TruncateSessionID(sessionID))
		if err := m.revoke(ctx, sessionID, events.ReasonSessionRevoked); err != nil && !auth.IsType(err, auth.ErrSessionNotFound) {
			logging.Warn("Coordinator", "Replacing session=%s left persisted credentials behind: %v", logging.TruncateSessionID(sessionID), err)
		}
	}

	if err := m.store.Put(ctx, sessionID, res.Credentials); err != nil {
		aerr := auth.Wrap(err, auth.ErrStorage, "failed to persist credentials")
		m.recordAuthFailure(name, aerr, elapsed)
		return auth.Failed(aerr)
	}
	m.cacheCredentials(sessionID, res.Credentials)

	now := m.clock.Now()
	session := &auth.Session{
		ID:           sessionID,
		Context:      authCtx,
		CreatedAt:    now,
		LastActivity: now,
		Status:       auth.SessionAuthenticated,
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	active := len(m.sessions)
	m.mu.Unlock()

	m.stats.recordAuth(true, elapsed)
	m.metrics.RecordAuthentication(name, true, elapsed)
	m.metrics.SetActiveSessions(active)
	m.bus.Emit(events.ReasonAuthenticated, events.EventData{SessionID: sessionID, Provider: name, Duration: elapsed})
	logging.Audit(logging.AuditEvent{
		Action:    "authenticate",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(sessionID),
		Provider:  name,
	})

	ctxCopy := authCtx.Clone()
	return auth.AuthenticationResult{
		Success:     true,
		Credentials: res.Credentials,
		Context:     &ctxCopy,
	}
}

// RefreshCredentials asks the issuing provider for new credentials. On
// success the session's credentials are replaced and refreshCount is
// incremented; on RequiresReauth the session is marked expired.
func (m *Manager) RefreshCredentials(ctx context.Context, sessionID string) auth.RefreshTokenResult {
	return m.refreshShared(ctx, sessionID, m.cfg.InteractiveTimeout)
}

// refreshShared collapses concurrent refreshes of one session into one
// provider call whose result every caller receives. The shared call is
// detached from the caller that started it; each caller waits at most its
// own timeout.
func (m *Manager) refreshShared(ctx context.Context, sessionID string, timeout time.Duration) auth.RefreshTokenResult {
	ch := m.refreshGroup.DoChan(sessionID, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), sessionID, timeout), nil
	})

	wait, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-ch:
		return r.Val.(auth.RefreshTokenResult)
	case <-wait.Done():
		return auth.RefreshFailed(auth.Wrap(wait.Err(), auth.ErrNetwork, "refresh did not finish in time"))
	}
}

func (m *Manager) refresh(ctx context.Context, sessionID string, timeout time.Duration) auth.RefreshTokenResult {
	session := m.session(sessionID)
	if session == nil {
		return auth.RefreshFailed(auth.Errorf(auth.ErrSessionNotFound, "session %s not found", logging.TruncateSessionID(sessionID)))
	}
	if session.Status == auth.SessionRevoked {
		return auth.RefreshFailed(auth.Errorf(auth.ErrSessionNotFound, "session %s was revoked", logging.TruncateSessionID(sessionID)))
	}

	creds := session.Context.Credentials
	p, aerr := m.providerFor(creds)
	if aerr != nil {
		return auth.RefreshFailed(aerr)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := m.clock.Now()
	res := p.Refresh(callCtx, creds)
	elapsed := m.clock.Since(start)
	cancel()

	if !res.Success || res.Credentials == nil {
		if res.Error == nil {
			res.Error = auth.Errorf(auth.ErrRefreshFailed, "provider %q refused to refresh", p.Name())
			res.Error.RequiresReauth = res.RequiresReauth
		}
		res.Success = false
		res.RequiresReauth = res.RequiresReauth || res.Error.RequiresReauth
		m.stats.recordRefresh(false)
		m.metrics.RecordRefresh(p.Name(), false)
		m.bus.Emit(events.ReasonRefreshFailed, events.EventData{
			SessionID: sessionID,
			Provider:  p.Name(),
			Error:     res.Error.Error(),
			Duration:  elapsed,
		})
		logging.Warn("Coordinator", "Refresh failed for session=%s provider=%s retryable=%t reauth=%t",
			logging.TruncateSessionID(sessionID), p.Name(), res.Error.Retryable, res.RequiresReauth)

		if res.RequiresReauth {
			m.markExpired(sessionID, "refresh requires re-authentication")
		}
		return res
	}

	if err := m.store.Put(ctx, sessionID, res.Credentials); err != nil {
		logging.Error("Coordinator", err, "Failed to persist refreshed credentials for session=%s", logging.TruncateSessionID(sessionID))
	}

	m.mu.Lock()
	current, ok := m.sessions[sessionID]
	var refreshCount int
	var replacement auth.Credentials
	if ok && current.Context.Credentials != nil && current.Context.Credentials.Bearer() != creds.Bearer() {
		// Re-authenticated while the provider call was in flight.
		replacement = current.Context.Credentials
		ok = false
	} else if ok {
		next := current.Clone()
		next.Context.Credentials = res.Credentials
		next.Context.Scopes = res.Credentials.Scopes()
		next.RefreshCount++
		next.LastActivity = m.clock.Now()
		next.Status = auth.SessionAuthenticated
		m.sessions[sessionID] = next
		refreshCount = next.RefreshCount
	}
	m.mu.Unlock()

	if replacement != nil {
		if err := m.store.Put(ctx, sessionID, replacement); err != nil {
			logging.Error("Coordinator", err, "Failed to restore credentials of re-authenticated session=%s", logging.TruncateSessionID(sessionID))
		}
		return auth.RefreshFailed(auth.Errorf(auth.ErrSessionNotFound, "session %s was re-authenticated during refresh", logging.TruncateSessionID(sessionID)))
	}
	if !ok {
		// Revoked while the provider call was in flight.
		_ = m.store.Delete(ctx, sessionID)
		m.cache.Delete(sessionID)
		return auth.RefreshFailed(auth.Errorf(auth.ErrSessionNotFound, "session %s was revoked during refresh", logging.TruncateSessionID(sessionID)))
	}

	m.cacheCredentials(sessionID, res.Credentials)

	m.stats.recordRefresh(true)
	m.metrics.RecordRefresh(p.Name(), true)
	m.bus.Emit(events.ReasonRefreshed, events.EventData{
		SessionID:    sessionID,
		Provider:     p.Name(),
		RefreshCount: refreshCount,
		Duration:     elapsed,
	})
	logging.Audit(logging.AuditEvent{
		Action:    "refresh",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(sessionID),
		Provider:  p.Name(),
	})

	return auth.RefreshTokenResult{Success: true, Credentials: res.Credentials}
}

// ValidateCredentials asks the issuing provider whether the session's
// credentials are still good. It only touches the session's status and
// activity time.
func (m *Manager) ValidateCredentials(ctx context.Context, sessionID string) auth.ValidationResult {
	session := m.session(sessionID)
	if session == nil {
		return auth.ValidationResult{Valid: false, Error: string(auth.ErrSessionNotFound)}
	}

	creds := session.Context.Credentials
	p, aerr := m.providerFor(creds)
	if aerr != nil {
		return auth.ValidationResult{Valid: false, Error: aerr.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.InteractiveTimeout)
	res := p.Validate(callCtx, creds)
	cancel()

	m.stats.recordValidation(res.Valid)
	m.metrics.RecordValidation(p.Name(), res.Valid)
	m.touch(sessionID)

	if !res.Valid {
		m.bus.Emit(events.ReasonValidationFailed, events.EventData{SessionID: sessionID, Provider: p.Name(), Error: res.Error})
		if res.Expired {
			m.markExpired(sessionID, "validation reported expired credentials")
		}
	}
	return res
}

// GetCredentials returns the session's current credentials, consulting the
// cache first and the store second. Expired credentials are refreshed once
// when autoRefresh is set. It returns nil on any failure.
func (m *Manager) GetCredentials(ctx context.Context, sessionID string, autoRefresh bool) auth.Credentials {
	session := m.session(sessionID)
	if session == nil || session.Status == auth.SessionRevoked {
		return nil
	}

	creds, ok := m.cache.Get(sessionID)
	if !ok {
		stored, err := m.store.Get(ctx, sessionID)
		if err != nil {
			if !store.IsNotFound(err) {
				logging.Error("Coordinator", err, "Credential store lookup failed for session=%s", logging.TruncateSessionID(sessionID))
			}
			return nil
		}
		creds = stored
		m.cacheCredentials(sessionID, creds)
	}

	if session.Status == auth.SessionExpired || auth.IsExpired(creds, m.clock.Now(), 0) {
		if !autoRefresh {
			return nil
		}
		res := m.RefreshCredentials(ctx, sessionID)
		if !res.Success {
			return nil
		}
		creds = res.Credentials
	}

	m.touch(sessionID)
	return creds
}

// RevokeCredentials revokes the session at its provider, best effort, and
// then always removes it locally. It fails with SESSION_NOT_FOUND for an
// unknown or already revoked session, and with STORAGE_ERROR when the
// persisted credentials cannot be deleted.
func (m *Manager) RevokeCredentials(ctx context.Context, sessionID string) error {
	return m.revoke(ctx, sessionID, events.ReasonSessionRevoked)
}

func (m *Manager) revoke(ctx context.Context, sessionID string, reason events.EventReason) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return auth.Errorf(auth.ErrSessionNotFound, "session %s not found", logging.TruncateSessionID(sessionID))
	}
	m.metrics.SetActiveSessions(active)

	creds := session.Context.Credentials
	providerName := ""
	remoteOK := true
	if creds != nil {
		providerName = creds.Provider()
		if p, aerr := m.providerFor(creds); aerr != nil {
			logging.Warn("Coordinator", "Skipping remote revoke for session=%s: %v", logging.TruncateSessionID(sessionID), aerr)
		} else {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.InteractiveTimeout)
			if err := p.Revoke(callCtx, creds); err != nil {
				remoteOK = false
				logging.Warn("Coordinator", "Remote revoke failed for session=%s provider=%s, continuing with local cleanup: %v",
					logging.TruncateSessionID(sessionID), providerName, err)
			}
			cancel()
		}
	}

	m.cache.Delete(sessionID)
	storeErr := m.store.Delete(ctx, sessionID)
	if storeErr != nil && store.IsNotFound(storeErr) {
		storeErr = nil
	}

	m.stats.recordRevocation()
	m.metrics.RecordRevocation(remoteOK)
	m.bus.Emit(reason, events.EventData{SessionID: sessionID, Provider: providerName})

	outcome := "success"
	if !remoteOK {
		outcome = "local_only"
	}
	logging.Audit(logging.AuditEvent{
		Action:    "revoke",
		Outcome:   outcome,
		SessionID: logging.TruncateSessionID(sessionID),
		Provider:  providerName,
		Details:   string(reason),
	})

	if storeErr != nil {
		return auth.Wrap(storeErr, auth.ErrStorage, "failed to delete persisted credentials")
	}
	return nil
}

// Cleanup revokes every session that is older than MaxSessionAge or marked
// expired, and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.Status == auth.SessionExpired || now.Sub(s.CreatedAt) > m.cfg.MaxSessionAge {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	cleaned := 0
	for _, id := range stale {
		err := m.revoke(ctx, id, events.ReasonSessionCleaned)
		if err == nil {
			cleaned++
			continue
		}
		if auth.IsType(err, auth.ErrSessionNotFound) {
			continue
		}
		// The session is gone locally even when the store delete failed.
		cleaned++
		logging.Error("Coordinator", err, "Cleanup of session=%s left persisted credentials behind", logging.TruncateSessionID(id))
	}

	if cleaned > 0 {
		m.metrics.RecordSessionsCleaned(cleaned)
		logging.Info("Coordinator", "Cleaned up %d sessions", cleaned)
	}
	return cleaned
}

// GetSession returns a copy of the session, or nil.
func (m *Manager) GetSession(sessionID string) *auth.Session {
	return m.session(sessionID)
}

// Sessions returns copies of every live session.
func (m *Manager) Sessions() []*auth.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*auth.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// AttachSecurityContext records that contextID was derived from the session.
func (m *Manager) AttachSecurityContext(sessionID, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return auth.Errorf(auth.ErrSessionNotFound, "session %s not found", logging.TruncateSessionID(sessionID))
	}
	next := s.Clone()
	next.SecurityContextID = contextID
	m.sessions[sessionID] = next
	return nil
}

// DetachSecurityContext clears the attachment if it still points at contextID.
func (m *Manager) DetachSecurityContext(sessionID, contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.SecurityContextID != contextID {
		return
	}
	next := s.Clone()
	next.SecurityContextID = ""
	m.sessions[sessionID] = next
}

// Restore rebuilds sessions for credentials found in the store, for example
// after a restart with a file store. Permissions are not persisted, so
// restored sessions carry scopes only. A session keeps the age recorded by
// the store, so MaxSessionAge holds across restarts. It returns the number
// restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, auth.Wrap(err, auth.ErrStorage, "failed to list persisted credentials")
	}

	restored := 0
	for _, id := range ids {
		if m.session(id) != nil {
			continue
		}
		creds, err := m.store.Get(ctx, id)
		if err != nil {
			logging.Warn("Coordinator", "Skipping unreadable credentials for session=%s: %v", logging.TruncateSessionID(id), err)
			continue
		}

		now := m.clock.Now()
		status := auth.SessionAuthenticated
		if auth.IsExpired(creds, now, 0) {
			status = auth.SessionExpired
		}
		createdAt := now
		if stored, err := m.store.CreatedAt(ctx, id); err == nil && !stored.IsZero() && stored.Before(now) {
			createdAt = stored
		}

		m.mu.Lock()
		if _, exists := m.sessions[id]; !exists {
			m.sessions[id] = &auth.Session{
				ID: id,
				Context: auth.AuthContext{
					SessionID:   id,
					Credentials: creds,
					Scopes:      creds.Scopes(),
				},
				CreatedAt:    createdAt,
				LastActivity: now,
				Status:       status,
			}
			restored++
		}
		active := len(m.sessions)
		m.mu.Unlock()
		m.metrics.SetActiveSessions(active)
	}

	if restored > 0 {
		logging.Info("Coordinator", "Restored %d sessions from the credential store", restored)
	}
	return restored, nil
}

func (m *Manager) session(sessionID string) *auth.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID].Clone()
}

func (m *Manager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	next := s.Clone()
	next.LastActivity = m.clock.Now()
	m.sessions[sessionID] = next
}

func (m *Manager) markExpired(sessionID, why string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	changed := ok && s.Status == auth.SessionAuthenticated
	var provider string
	if changed {
		next := s.Clone()
		next.Status = auth.SessionExpired
		m.sessions[sessionID] = next
		if next.Context.Credentials != nil {
			provider = next.Context.Credentials.Provider()
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.cache.Delete(sessionID)
	m.bus.Emit(events.ReasonSessionExpired, events.EventData{SessionID: sessionID, Provider: provider, Error: why})
	logging.Info("Coordinator", "Session %s expired: %s", logging.TruncateSessionID(sessionID), why)
}

// checkSessionCapacity rejects a new session id once MaxSessions are live.
// Re-authenticating an existing session id is always allowed; Authenticate
// revokes the old session before installing the new one.
func (m *Manager) checkSessionCapacity(sessionID string) *auth.AuthError {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		aerr := auth.Errorf(auth.ErrRateLimited, "session limit of %d reached", m.cfg.MaxSessions)
		aerr.Code = "session_limit"
		return aerr
	}
	return nil
}

// cacheCredentials caches creds until the earlier of the cache's default TTL
// and the credentials' own expiry. Already expired credentials are not cached.
func (m *Manager) cacheCredentials(sessionID string, creds auth.Credentials) {
	ttl := m.cache.DefaultTTL()
	if exp := creds.Expiry(); !exp.IsZero() {
		if until := exp.Sub(m.clock.Now()); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		m.cache.Delete(sessionID)
		return
	}
	if err := m.cache.SetWithTTL(sessionID, creds, ttl); err != nil {
		logging.Warn("Coordinator", "Failed to cache credentials for session=%s: %v", logging.TruncateSessionID(sessionID), err)
	}
}

func (m *Manager) recordAuthFailure(provider string, aerr *auth.AuthError, elapsed time.Duration) {
	m.stats.recordAuth(false, elapsed)
	m.metrics.RecordAuthentication(provider, false, elapsed)
	m.bus.Emit(events.ReasonAuthenticationFailed, events.EventData{Provider: provider, Error: aerr.Error(), Duration: elapsed})
	logging.Audit(logging.AuditEvent{
		Action:   "authenticate",
		Outcome:  "failure",
		Provider: provider,
		Details:  string(aerr.Type),
	})
}
