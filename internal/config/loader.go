package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"authcoord/pkg/logging"
)

const (
	userConfigDir  = ".config/authcoord"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns ~/.config/authcoord.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads config.yaml from configPath on top of the defaults and
// validates the result. A missing file yields the defaults. ${VAR} references
// are expanded from the environment before parsing, so secrets can stay out
// of the file. Validation problems are returned as a
// *ConfigurationErrorCollection.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, &ConfigurationErrorCollection{Errors: []ConfigurationError{{
			FilePath:  configFilePath,
			Section:   "file",
			ErrorType: ErrorTypeIO,
			Message:   err.Error(),
		}}}
	}

	if err := decode(data, &config); err != nil {
		return Config{}, &ConfigurationErrorCollection{Errors: []ConfigurationError{{
			FilePath:    configFilePath,
			Section:     "file",
			ErrorType:   ErrorTypeParse,
			Message:     "invalid YAML",
			Details:     err.Error(),
			Suggestions: []string{"check indentation and field names against the documented configuration shape"},
		}}}
	}

	if errs := Validate(config); errs.HasErrors() {
		errs.withFile(configFilePath)
		return Config{}, errs
	}

	logging.Info("Config", "Loaded configuration from %s (%d providers)", configFilePath, len(config.Providers))
	return config, nil
}

// decode expands environment references and strictly unmarshals data into
// config. Unknown fields are rejected.
func decode(data []byte, config *Config) error {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
