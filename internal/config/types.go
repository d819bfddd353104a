package config

import (
	"time"

	"authcoord/internal/providers"
)

// Config is the top-level configuration structure for authcoord.
type Config struct {
	Providers []ProviderConfig `yaml:"providers,omitempty"`
	Storage   StorageConfig    `yaml:"storage"`
	Cache     CacheConfig      `yaml:"cache"`
	Security  SecurityConfig   `yaml:"security"`
	Context   ContextConfig    `yaml:"context"`
	Audit     AuditConfig      `yaml:"audit"`
	Facade    FacadeConfig     `yaml:"facade"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// Provider types accepted in ProviderConfig.Type.
const (
	ProviderTypeOAuth2         = "oauth2"
	ProviderTypeServiceAccount = "service_account"
	ProviderTypeAPIKey         = "api_key"
)

// ProviderConfig declares one provider. Exactly the block matching Type is
// read.
type ProviderConfig struct {
	Name      string           `yaml:"name"`
	Type      string           `yaml:"type"`
	Enabled   *bool            `yaml:"enabled,omitempty"`   // default: true
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty"` // default: unlimited

	OAuth2         *providers.OAuth2Config         `yaml:"oauth2,omitempty"`
	ServiceAccount *providers.ServiceAccountConfig `yaml:"serviceAccount,omitempty"`
	APIKey         *providers.APIKeyConfig         `yaml:"apiKey,omitempty"`
}

// IsEnabled reports whether the provider accepts new authentications.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RateLimitConfig is a token bucket applied to authenticate calls.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// Storage types accepted in StorageConfig.Type.
const (
	StorageTypeMemory = "memory"
	StorageTypeFile   = "file"
)

// StorageConfig selects the credential store.
type StorageConfig struct {
	Type string `yaml:"type"`           // memory or file
	Path string `yaml:"path,omitempty"` // directory for the file store

	// EncryptionKey is a base64 encoded 32-byte key used when
	// security.encryptCredentials is set.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`
}

// CacheConfig sizes the token cache.
type CacheConfig struct {
	MaxSize         int           `yaml:"maxSize"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// SecurityConfig tunes session lifetime and provider call timeouts.
type SecurityConfig struct {
	EncryptCredentials     bool          `yaml:"encryptCredentials"`
	RequireHTTPS           bool          `yaml:"requireHttps"`
	MaxSessions            int           `yaml:"maxSessions"`
	MaxSessionAge          time.Duration `yaml:"maxSessionAge"`
	TokenRefreshBuffer     time.Duration `yaml:"tokenRefreshBuffer"`
	RefreshCheckInterval   time.Duration `yaml:"refreshCheckInterval"`
	SessionCleanupInterval time.Duration `yaml:"sessionCleanupInterval"`
	InteractiveTimeout     time.Duration `yaml:"interactiveTimeout"`
	BackgroundTimeout      time.Duration `yaml:"backgroundTimeout"`
}

// ContextConfig configures the security-context manager.
type ContextConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	MaxContextAge            time.Duration `yaml:"maxContextAge"`
	DefaultTTL               time.Duration `yaml:"defaultTTL"`
	CleanupInterval          time.Duration `yaml:"cleanupInterval"`
	TrustedComponents        []string      `yaml:"trustedComponents,omitempty"`
	KnownNetworks            []string      `yaml:"knownNetworks,omitempty"`
	HighPrivilegePermissions []string      `yaml:"highPrivilegePermissions,omitempty"`
	RulePolicy               string        `yaml:"rulePolicy"` // warn or enforce
	MaxRiskScore             float64       `yaml:"maxRiskScore,omitempty"`
	RequireSourceIP          bool          `yaml:"requireSourceIp,omitempty"`
}

// AuditConfig bounds the in-memory audit trail.
type AuditConfig struct {
	MaxEntries   int           `yaml:"maxEntries"`
	MaxAge       time.Duration `yaml:"maxAge"`
	TrimInterval time.Duration `yaml:"trimInterval"`
}

// Facade transports.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// FacadeConfig exposes the coordinator as MCP tools.
type FacadeConfig struct {
	Transport string `yaml:"transport"`
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}
