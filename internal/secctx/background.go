package secctx

import (
	"context"
	"fmt"

	"authcoord/internal/scheduler"
	"authcoord/pkg/logging"
)

// Start launches the context sweep and audit trimming.
func (m *Manager) Start(ctx context.Context) error {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.scheduler != nil {
		return fmt.Errorf("security context manager already started")
	}

	s := scheduler.New(m.clock)
	if err := s.Every(taskContextCleanup, m.cfg.CleanupInterval, func(context.Context) {
		m.Cleanup()
	}); err != nil {
		return err
	}
	if err := s.Every(taskAuditTrim, m.cfg.AuditTrimInterval, func(context.Context) {
		m.TrimAudit()
	}); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	m.scheduler = s
	logging.Info("SecurityContext", "Background tasks started (cleanup every %s, audit trim every %s)",
		m.cfg.CleanupInterval, m.cfg.AuditTrimInterval)
	return nil
}

// Stop cancels the background tasks and waits for them. It is safe to call
// more than once.
func (m *Manager) Stop() {
	m.schedMu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.schedMu.Unlock()

	if s != nil {
		s.Stop()
	}
}
