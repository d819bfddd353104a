package app

import (
	"authcoord/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug forces debug logging regardless of logging.level.
	Debug bool

	// Silent discards log output.
	Silent bool

	// ConfigPath is the directory holding config.yaml.
	ConfigPath string

	// Version is reported by the facade's status tool.
	Version string

	// AuthConfig is loaded from ConfigPath when nil.
	AuthConfig *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug, silent bool, configPath, version string) *Config {
	return &Config{
		Debug:      debug,
		Silent:     silent,
		ConfigPath: configPath,
		Version:    version,
	}
}
