package config

import (
	"time"
)

const (
	DefaultFacadeHost = "localhost"
	DefaultFacadePort = 8091
)

// GetDefaultConfig returns the configuration used when no config.yaml
// exists and the base that a loaded file is merged onto.
func GetDefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Type: StorageTypeMemory,
		},
		Cache: CacheConfig{
			MaxSize:         1000,
			TTL:             time.Hour,
			CleanupInterval: time.Minute,
		},
		Security: SecurityConfig{
			RequireHTTPS:           true,
			MaxSessions:            10000,
			MaxSessionAge:          24 * time.Hour,
			TokenRefreshBuffer:     5 * time.Minute,
			RefreshCheckInterval:   time.Minute,
			SessionCleanupInterval: 5 * time.Minute,
			InteractiveTimeout:     30 * time.Second,
			BackgroundTimeout:      10 * time.Second,
		},
		Context: ContextConfig{
			Enabled:         true,
			MaxContextAge:   time.Hour,
			DefaultTTL:      30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			RulePolicy:      "warn",
		},
		Audit: AuditConfig{
			MaxEntries:   10000,
			MaxAge:       24 * time.Hour,
			TrimInterval: 10 * time.Minute,
		},
		Facade: FacadeConfig{
			Transport: TransportStdio,
			Host:      DefaultFacadeHost,
			Port:      DefaultFacadePort,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
