package coordinator

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"authcoord/internal/auth"
	"authcoord/internal/events"
	"authcoord/pkg/logging"
)

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Name      string            `json:"name"`
	Type      auth.ProviderType `json:"type"`
	Enabled   bool              `json:"enabled"`
	RateLimit *RateLimit        `json:"rateLimit,omitempty"`
}

// RateLimit is a token bucket applied to Authenticate calls of one provider.
type RateLimit struct {
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

// ProviderOption configures a provider at registration.
type ProviderOption func(*providerEntry)

// WithRateLimit limits Authenticate calls to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) ProviderOption {
	return func(e *providerEntry) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limit = &RateLimit{PerSecond: perSecond, Burst: burst}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Disabled registers the provider without accepting new authentications.
func Disabled() ProviderOption {
	return func(e *providerEntry) { e.enabled = false }
}

type providerEntry struct {
	provider auth.Provider
	enabled  bool
	limit    *RateLimit
	limiter  *rate.Limiter
}

func (e *providerEntry) info() ProviderInfo {
	return ProviderInfo{
		Name:      e.provider.Name(),
		Type:      e.provider.Type(),
		Enabled:   e.enabled,
		RateLimit: e.limit,
	}
}

// registry is the provider table. It is constructed per Manager.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*providerEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*providerEntry)}
}

// RegisterProvider adds p under p.Name(). Registering a name twice fails.
func (m *Manager) RegisterProvider(p auth.Provider, opts ...ProviderOption) error {
	if p == nil || p.Name() == "" {
		return auth.NewError(auth.ErrConfiguration, "provider must have a name")
	}

	e := &providerEntry{provider: p, enabled: true}
	for _, opt := range opts {
		opt(e)
	}

	m.registry.mu.Lock()
	if _, exists := m.registry.entries[p.Name()]; exists {
		m.registry.mu.Unlock()
		return auth.Errorf(auth.ErrConfiguration, "provider %q is already registered", p.Name())
	}
	m.registry.entries[p.Name()] = e
	m.registry.mu.Unlock()

	logging.Info("Coordinator", "Registered provider %s (type=%s, enabled=%t)", p.Name(), p.Type(), e.enabled)
	m.bus.Emit(events.ReasonProviderRegistered, events.EventData{Provider: p.Name()})
	return nil
}

// UnregisterProvider removes a provider and stops it if it owns background
// resources. Sessions it issued stay until revoked or cleaned up, but can no
// longer be refreshed.
func (m *Manager) UnregisterProvider(name string) error {
	m.registry.mu.Lock()
	e, ok := m.registry.entries[name]
	if ok {
		delete(m.registry.entries, name)
	}
	m.registry.mu.Unlock()

	if !ok {
		return auth.Errorf(auth.ErrProviderNotFound, "provider %q is not registered", name)
	}
	if s, ok := e.provider.(auth.Stopper); ok {
		s.Stop()
	}

	logging.Info("Coordinator", "Unregistered provider %s", name)
	m.bus.Emit(events.ReasonProviderUnregistered, events.EventData{Provider: name})
	return nil
}

// SetProviderEnabled toggles whether a provider accepts new authentications.
// Existing sessions are not affected.
func (m *Manager) SetProviderEnabled(name string, enabled bool) error {
	m.registry.mu.Lock()
	e, ok := m.registry.entries[name]
	changed := ok && e.enabled != enabled
	if ok {
		e.enabled = enabled
	}
	m.registry.mu.Unlock()

	if !ok {
		return auth.Errorf(auth.ErrProviderNotFound, "provider %q is not registered", name)
	}
	if !changed {
		return nil
	}

	reason := events.ReasonProviderDisabled
	if enabled {
		reason = events.ReasonProviderEnabled
	}
	logging.Info("Coordinator", "Provider %s enabled=%t", name, enabled)
	m.bus.Emit(reason, events.EventData{Provider: name})
	return nil
}

// ListProviders returns the registered providers sorted by name.
func (m *Manager) ListProviders() []ProviderInfo {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(m.registry.entries))
	for _, e := range m.registry.entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Provider returns the provider registered under name.
func (m *Manager) Provider(name string) (auth.Provider, bool) {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()

	e, ok := m.registry.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// resolveForAuthentication finds the provider for a new authentication. key
// is a provider name, or a provider type when exactly one registered provider
// has that type.
func (m *Manager) resolveForAuthentication(key string) (*providerEntry, *auth.AuthError) {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()

	e, ok := m.registry.entries[key]
	if !ok {
		var matches []*providerEntry
		for _, candidate := range m.registry.entries {
			if string(candidate.provider.Type()) == key {
				matches = append(matches, candidate)
			}
		}
		switch len(matches) {
		case 0:
			return nil, auth.Errorf(auth.ErrProviderNotFound, "provider %q is not registered", key)
		case 1:
			e = matches[0]
		default:
			return nil, auth.Errorf(auth.ErrProviderNotFound, "provider type %q is ambiguous, use a provider name", key)
		}
	}
	if !e.enabled {
		return nil, auth.Errorf(auth.ErrProviderDisabled, "provider %q is disabled", e.provider.Name())
	}
	return e, nil
}

// providerFor returns the provider that issued creds, enabled or not.
func (m *Manager) providerFor(creds auth.Credentials) (auth.Provider, *auth.AuthError) {
	if creds == nil {
		return nil, auth.NewError(auth.ErrInvalidCredentials, "session has no credentials")
	}
	p, ok := m.Provider(creds.Provider())
	if !ok {
		return nil, auth.Errorf(auth.ErrProviderNotFound, "provider %q is not registered", creds.Provider())
	}
	return p, nil
}

func (m *Manager) stopProviders() {
	m.registry.mu.RLock()
	var stoppers []auth.Stopper
	for _, e := range m.registry.entries {
		if s, ok := e.provider.(auth.Stopper); ok {
			stoppers = append(stoppers, s)
		}
	}
	m.registry.mu.RUnlock()

	for _, s := range stoppers {
		s.Stop()
	}
}
