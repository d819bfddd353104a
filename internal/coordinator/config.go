package coordinator

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"authcoord/internal/events"
	"authcoord/internal/metrics"
)

const (
	// MaxSessionIDLength bounds caller-supplied session ids.
	MaxSessionIDLength = 256

	DefaultMaxSessions            = 10000
	DefaultMaxSessionAge          = 24 * time.Hour
	DefaultTokenRefreshBuffer     = 5 * time.Minute
	DefaultRefreshCheckInterval   = time.Minute
	DefaultSessionCleanupInterval = 5 * time.Minute
	DefaultCacheCleanupInterval   = time.Minute
	DefaultInteractiveTimeout     = 30 * time.Second
	DefaultBackgroundTimeout      = 10 * time.Second
)

// Config tunes session lifetime and the background loops.
type Config struct {
	// MaxSessions caps concurrently live sessions.
	MaxSessions int

	// MaxSessionAge is the age after which Cleanup revokes a session.
	MaxSessionAge time.Duration

	// TokenRefreshBuffer is how long before expiry the background loop
	// refreshes credentials.
	TokenRefreshBuffer time.Duration

	RefreshCheckInterval   time.Duration
	SessionCleanupInterval time.Duration
	CacheCleanupInterval   time.Duration

	// InteractiveTimeout bounds provider calls made on behalf of a caller.
	InteractiveTimeout time.Duration

	// BackgroundTimeout bounds provider calls made by the refresh loop.
	BackgroundTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = DefaultMaxSessionAge
	}
	if c.TokenRefreshBuffer == 0 {
		c.TokenRefreshBuffer = DefaultTokenRefreshBuffer
	}
	if c.RefreshCheckInterval == 0 {
		c.RefreshCheckInterval = DefaultRefreshCheckInterval
	}
	if c.SessionCleanupInterval == 0 {
		c.SessionCleanupInterval = DefaultSessionCleanupInterval
	}
	if c.CacheCleanupInterval == 0 {
		c.CacheCleanupInterval = DefaultCacheCleanupInterval
	}
	if c.InteractiveTimeout == 0 {
		c.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if c.BackgroundTimeout == 0 {
		c.BackgroundTimeout = DefaultBackgroundTimeout
	}
	return c
}

func (c Config) validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"maxSessionAge", c.MaxSessionAge},
		{"refreshCheckInterval", c.RefreshCheckInterval},
		{"sessionCleanupInterval", c.SessionCleanupInterval},
		{"cacheCleanupInterval", c.CacheCleanupInterval},
		{"interactiveTimeout", c.InteractiveTimeout},
		{"backgroundTimeout", c.BackgroundTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.TokenRefreshBuffer < 0 {
		return fmt.Errorf("tokenRefreshBuffer must not be negative, got %s", c.TokenRefreshBuffer)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	if c.BackgroundTimeout > c.InteractiveTimeout {
		return fmt.Errorf("backgroundTimeout (%s) must not exceed interactiveTimeout (%s)", c.BackgroundTimeout, c.InteractiveTimeout)
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for sessions and the background scheduler.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMetrics records coordinator activity in mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithEvents publishes session and registry events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithSessionIDGenerator replaces the uuid based session id generator.
func WithSessionIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newSessionID = gen
		}
	}
}
