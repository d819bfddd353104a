package secctx

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"authcoord/internal/metrics"
)

const (
	DefaultMaxContextAge     = time.Hour
	DefaultContextTTL        = 30 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultAuditMaxEntries   = 10000
	DefaultAuditMaxAge       = 24 * time.Hour
	DefaultAuditTrimInterval = 10 * time.Minute
)

// Config tunes context lifetime, trust and audit retention.
type Config struct {
	// Disabled turns every operation into a CONTEXT_DISABLED error.
	Disabled bool

	// MaxContextAge invalidates contexts older than this regardless of
	// their access-control expiration.
	MaxContextAge time.Duration

	// DefaultTTL sets the access-control expiration when CreateOptions.TTL
	// is zero.
	DefaultTTL time.Duration

	CleanupInterval time.Duration

	// TrustedComponents may receive secret contexts and revoke any context.
	TrustedComponents []string

	// KnownNetworks are CIDR ranges that do not add network risk.
	// DefaultKnownNetworks applies when empty.
	KnownNetworks []string

	// HighPrivilegePermissions add privilege risk when held.
	// DefaultHighPrivilegePermissions applies when empty.
	HighPrivilegePermissions []string

	RulePolicy RulePolicy

	AuditMaxEntries   int
	AuditMaxAge       time.Duration
	AuditTrimInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxContextAge == 0 {
		c.MaxContextAge = DefaultMaxContextAge
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultContextTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if len(c.KnownNetworks) == 0 {
		c.KnownNetworks = DefaultKnownNetworks
	}
	if len(c.HighPrivilegePermissions) == 0 {
		c.HighPrivilegePermissions = DefaultHighPrivilegePermissions
	}
	if c.RulePolicy == "" {
		c.RulePolicy = PolicyWarn
	}
	if c.AuditMaxEntries == 0 {
		c.AuditMaxEntries = DefaultAuditMaxEntries
	}
	if c.AuditMaxAge == 0 {
		c.AuditMaxAge = DefaultAuditMaxAge
	}
	if c.AuditTrimInterval == 0 {
		c.AuditTrimInterval = DefaultAuditTrimInterval
	}
	return c
}

func (c Config) validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"maxContextAge", c.MaxContextAge},
		{"defaultTTL", c.DefaultTTL},
		{"cleanupInterval", c.CleanupInterval},
		{"auditMaxAge", c.AuditMaxAge},
		{"auditTrimInterval", c.AuditTrimInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.AuditMaxEntries < 0 {
		return fmt.Errorf("auditMaxEntries must be positive, got %d", c.AuditMaxEntries)
	}
	if _, err := ParseRulePolicy(string(c.RulePolicy)); err != nil {
		return err
	}
	return nil
}

// SessionBinder records the link between a coordinator session and the
// contexts derived from it. The coordinator implements it.
type SessionBinder interface {
	AttachSecurityContext(sessionID, contextID string) error
	DetachSecurityContext(sessionID, contextID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for contexts, the audit trail and the
// background scheduler.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMetrics records context activity in mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithSessionBinder attaches new contexts to their originating session.
// Creation fails when the binder does not know the session.
func WithSessionBinder(b SessionBinder) Option {
	return func(m *Manager) { m.binder = b }
}

// WithIPPredicate replaces the known-network check.
func WithIPPredicate(p IPPredicate) Option {
	return func(m *Manager) {
		if p != nil {
			m.knownIP = p
		}
	}
}

// WithDevicePredicate sets the trusted-device check. Without one no device
// is trusted.
func WithDevicePredicate(p DevicePredicate) Option {
	return func(m *Manager) {
		if p != nil {
			m.trustedDevice = p
		}
	}
}

// WithRules adds validation rules run by ValidateContext.
func WithRules(rules ...Rule) Option {
	return func(m *Manager) { m.rules = append(m.rules, rules...) }
}
