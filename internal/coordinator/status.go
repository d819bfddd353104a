package coordinator

import (
	"sort"
	"sync"
	"time"

	"authcoord/internal/auth"
	"authcoord/internal/cache"
)

// stats are the in-process counters behind MetricsSnapshot. Prometheus
// collectors are updated alongside when metrics are configured.
type stats struct {
	mu sync.Mutex

	authAttempts      int64
	authSuccesses     int64
	authFailures      int64
	totalAuthLatency  time.Duration
	refreshes         int64
	refreshFailures   int64
	validations       int64
	validationFailure int64
	revocations       int64
}

func (s *stats) recordAuth(ok bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authAttempts++
	s.totalAuthLatency += d
	if ok {
		s.authSuccesses++
	} else {
		s.authFailures++
	}
}

func (s *stats) recordRefresh(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.refreshes++
	} else {
		s.refreshFailures++
	}
}

func (s *stats) recordValidation(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations++
	if !ok {
		s.validationFailure++
	}
}

func (s *stats) recordRevocation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revocations++
}

// MetricsSnapshot is a point-in-time copy of coordinator counters.
type MetricsSnapshot struct {
	AuthAttempts       int64         `json:"authAttempts"`
	AuthSuccesses      int64         `json:"authSuccesses"`
	AuthFailures       int64         `json:"authFailures"`
	AverageAuthLatency time.Duration `json:"averageAuthLatency"`
	Refreshes          int64         `json:"refreshes"`
	RefreshFailures    int64         `json:"refreshFailures"`
	Validations        int64         `json:"validations"`
	ValidationFailures int64         `json:"validationFailures"`
	Revocations        int64         `json:"revocations"`
	ActiveSessions     int           `json:"activeSessions"`
	Cache              cache.Stats   `json:"cache"`
}

// MetricsSnapshot returns the current counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	m.stats.mu.Lock()
	snap := MetricsSnapshot{
		AuthAttempts:       m.stats.authAttempts,
		AuthSuccesses:      m.stats.authSuccesses,
		AuthFailures:       m.stats.authFailures,
		Refreshes:          m.stats.refreshes,
		RefreshFailures:    m.stats.refreshFailures,
		Validations:        m.stats.validations,
		ValidationFailures: m.stats.validationFailure,
		Revocations:        m.stats.revocations,
	}
	if m.stats.authAttempts > 0 {
		snap.AverageAuthLatency = m.stats.totalAuthLatency / time.Duration(m.stats.authAttempts)
	}
	m.stats.mu.Unlock()

	m.mu.RLock()
	snap.ActiveSessions = len(m.sessions)
	m.mu.RUnlock()

	snap.Cache = m.cache.Stats()
	return snap
}

// Status summarizes the coordinator's state.
type Status struct {
	Running          bool                       `json:"running"`
	Uptime           time.Duration              `json:"uptime"`
	Sessions         int                        `json:"sessions"`
	SessionsByStatus map[auth.SessionStatus]int `json:"sessionsByStatus"`
	Providers        []ProviderInfo             `json:"providers"`
	BackgroundTasks  []string                   `json:"backgroundTasks,omitempty"`
	CacheSize        int                        `json:"cacheSize"`
}

// Status returns a summary for operators.
func (m *Manager) Status() Status {
	st := Status{
		Uptime:           m.clock.Since(m.startedAt),
		SessionsByStatus: make(map[auth.SessionStatus]int),
		Providers:        m.ListProviders(),
		CacheSize:        m.cache.Size(),
	}

	m.mu.RLock()
	st.Sessions = len(m.sessions)
	for _, s := range m.sessions {
		st.SessionsByStatus[s.Status]++
	}
	m.mu.RUnlock()

	m.schedMu.Lock()
	if m.scheduler != nil {
		st.Running = true
		st.BackgroundTasks = m.scheduler.Tasks()
	}
	m.schedMu.Unlock()
	return st
}

// Capabilities lists what the registered providers support.
type Capabilities struct {
	ProviderTypes []auth.ProviderType `json:"providerTypes"`
	Operations    []string            `json:"operations"`
	Features      []string            `json:"features"`
}

// Capabilities reports the operations the coordinator exposes and the
// features enabled by the registered providers.
func (m *Manager) Capabilities() Capabilities {
	types := make(map[auth.ProviderType]bool)
	for _, p := range m.ListProviders() {
		types[p.Type] = true
	}

	caps := Capabilities{
		Operations: []string{"authenticate", "refresh", "validate", "revoke", "status", "capabilities", "providers", "metrics"},
		Features:   []string{"background_refresh", "session_cleanup", "token_cache"},
	}
	for t := range types {
		caps.ProviderTypes = append(caps.ProviderTypes, t)
		switch t {
		case auth.ProviderTypeOAuth2:
			caps.Features = append(caps.Features, "pkce", "refresh_token", "token_revocation")
		case auth.ProviderTypeServiceAccount:
			caps.Features = append(caps.Features, "jwt_bearer_assertion")
		case auth.ProviderTypeAPIKey:
			caps.Features = append(caps.Features, "api_key")
		}
	}
	sort.Slice(caps.ProviderTypes, func(i, j int) bool { return caps.ProviderTypes[i] < caps.ProviderTypes[j] })
	sort.Strings(caps.Features)
	return caps
}
