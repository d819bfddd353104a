package coordinator

import (
	"context"
	"fmt"

	"authcoord/internal/auth"
	"authcoord/internal/scheduler"
	"authcoord/pkg/logging"
)

const (
	taskRefreshCheck   = "token-refresh-check"
	taskSessionCleanup = "session-cleanup"
	taskCacheCleanup   = "cache-cleanup"
)

// Start launches the background refresh check, session cleanup and cache
// sweep. It fails if the manager is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.scheduler != nil {
		return fmt.Errorf("coordinator already started")
	}

	s := scheduler.New(m.clock)
	if err := s.Every(taskRefreshCheck, m.cfg.RefreshCheckInterval, func(ctx context.Context) {
		m.RefreshDue(ctx)
	}); err != nil {
		return err
	}
	if err := s.Every(taskSessionCleanup, m.cfg.SessionCleanupInterval, func(ctx context.Context) {
		m.Cleanup(ctx)
	}); err != nil {
		return err
	}
	if err := s.Every(taskCacheCleanup, m.cfg.CacheCleanupInterval, func(context.Context) {
		m.cache.Cleanup()
	}); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	m.scheduler = s
	logging.Info("Coordinator", "Background tasks started (refresh every %s, cleanup every %s)",
		m.cfg.RefreshCheckInterval, m.cfg.SessionCleanupInterval)
	return nil
}

// Stop cancels the background tasks, waits for them to return and stops
// providers that own resources. It is safe to call more than once.
func (m *Manager) Stop() {
	m.schedMu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.schedMu.Unlock()

	if s != nil {
		s.Stop()
	}
	m.stopProviders()
}

// RefreshDue refreshes every authenticated session whose credentials expire
// within TokenRefreshBuffer, using the background timeout. Sessions whose
// refresh requires re-authentication are marked expired by the refresh
// itself. It returns the number of successful refreshes.
func (m *Manager) RefreshDue(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var due []string
	for id, s := range m.sessions {
		if s.Status != auth.SessionAuthenticated || s.Context.Credentials == nil {
			continue
		}
		if s.Context.Credentials.Expiry().IsZero() {
			continue
		}
		if auth.IsExpired(s.Context.Credentials, now, m.cfg.TokenRefreshBuffer) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	refreshed := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		res := m.refreshShared(ctx, id, m.cfg.BackgroundTimeout)
		if res.Success {
			refreshed++
		}
	}

	if len(due) > 0 {
		logging.Debug("Coordinator", "Background refresh: %d due, %d refreshed", len(due), refreshed)
	}
	return refreshed
}
