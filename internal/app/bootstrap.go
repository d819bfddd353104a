package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"authcoord/internal/config"
	"authcoord/pkg/logging"
)

// Application bootstraps and runs the auth coordinator.
//
// Initialization happens in two phases:
//  1. Bootstrap: load configuration, initialize logging, build services
//  2. Execution: restore sessions, start background work, serve the facade
//
// Example usage:
//
//	cfg := app.NewConfig(false, false, configPath, version)
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads configuration (unless cfg.AuthConfig is already
// set), configures logging and initializes all services.
func NewApplication(cfg *Config, opts ...ServicesOption) (*Application, error) {
	// Early logging so configuration problems are visible.
	initLogging(cfg, config.LoggingConfig{Level: "info", Format: "text"})

	if cfg.AuthConfig == nil {
		loaded, err := config.LoadConfig(cfg.ConfigPath)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load configuration from %s", cfg.ConfigPath)
			return nil, fmt.Errorf("failed to load configuration from %s: %w", cfg.ConfigPath, err)
		}
		cfg.AuthConfig = &loaded
	} else if errs := config.Validate(*cfg.AuthConfig); errs.HasErrors() {
		return nil, errs
	}

	initLogging(cfg, cfg.AuthConfig.Logging)

	services, err := InitializeServices(*cfg.AuthConfig, cfg.Version, opts...)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services exposes the initialized components.
func (a *Application) Services() *Services {
	return a.services
}

// Run serves until ctx is cancelled or the facade transport fails. See
// runServe for the lifecycle.
func (a *Application) Run(ctx context.Context) error {
	return runServe(ctx, a.services)
}

func initLogging(cfg *Config, lc config.LoggingConfig) {
	level := logging.ParseLevel(lc.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}

	format := logging.FormatText
	if lc.Format == "json" {
		format = logging.FormatJSON
	}

	// Stdout belongs to the stdio transport.
	var out io.Writer = os.Stderr
	if cfg.Silent {
		out = io.Discard
	}
	logging.InitWithFormat(level, format, out)
}
