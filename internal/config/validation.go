package config

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"authcoord/internal/secctx"
)

// MaxProviderNameLength bounds provider names.
const MaxProviderNameLength = 100

// encryptionKeySize is the AES-256 key length expected in storage.encryptionKey.
const encryptionKeySize = 32

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))
}

// ValidateEntityName validates that a name is present, short and has no spaces.
func ValidateEntityName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("is required")
	}
	if len(name) > MaxProviderNameLength {
		return fmt.Errorf("must not exceed %d characters", MaxProviderNameLength)
	}
	if strings.ContainsAny(name, " \t") {
		return fmt.Errorf("cannot contain spaces")
	}
	return nil
}

// DecodeEncryptionKey decodes a base64 encoded 32-byte key.
func DecodeEncryptionKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	return key, nil
}

// Validate checks the whole configuration and collects every problem.
func Validate(cfg Config) *ConfigurationErrorCollection {
	errs := NewConfigurationErrorCollection()
	validateProviders(cfg, errs)
	validateStorage(cfg, errs)
	validateCache(cfg.Cache, errs)
	validateSecurity(cfg.Security, errs)
	validateContext(cfg.Context, errs)
	validateAudit(cfg.Audit, errs)
	validateFacade(cfg.Facade, errs)
	validateLogging(cfg.Logging, errs)
	return errs
}

func validateProviders(cfg Config, errs *ConfigurationErrorCollection) {
	const section = "providers"
	seen := make(map[string]bool, len(cfg.Providers))

	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name != "" {
			prefix = fmt.Sprintf("providers[%s]", p.Name)
		}

		if err := ValidateEntityName(p.Name); err != nil {
			errs.AddValidation(section, prefix+".name", err.Error())
		} else if seen[p.Name] {
			errs.AddValidation(section, prefix+".name", "duplicate provider name")
		}
		seen[p.Name] = true

		if p.RateLimit != nil {
			if p.RateLimit.PerSecond <= 0 {
				errs.AddValidation(section, prefix+".rateLimit.perSecond", "must be positive")
			}
			if p.RateLimit.Burst < 1 {
				errs.AddValidation(section, prefix+".rateLimit.burst", "must be at least 1")
			}
		}

		blocks := 0
		for _, present := range []bool{p.OAuth2 != nil, p.ServiceAccount != nil, p.APIKey != nil} {
			if present {
				blocks++
			}
		}
		if blocks > 1 {
			errs.AddValidation(section, prefix, "only the block matching type may be set")
		}

		var err error
		switch p.Type {
		case ProviderTypeOAuth2:
			if p.OAuth2 == nil {
				errs.AddValidation(section, prefix+".oauth2", "is required for type oauth2")
				continue
			}
			err = p.OAuth2.Validate(cfg.Security.RequireHTTPS)
		case ProviderTypeServiceAccount:
			if p.ServiceAccount == nil {
				errs.AddValidation(section, prefix+".serviceAccount", "is required for type service_account")
				continue
			}
			err = p.ServiceAccount.Validate(cfg.Security.RequireHTTPS)
		case ProviderTypeAPIKey:
			if p.APIKey == nil {
				errs.AddValidation(section, prefix+".apiKey", "is required for type api_key")
				continue
			}
			err = p.APIKey.Validate()
		default:
			errs.AddValidation(section, prefix+".type",
				ValidateOneOf(p.Type, []string{ProviderTypeOAuth2, ProviderTypeServiceAccount, ProviderTypeAPIKey}).Error())
			continue
		}
		if err != nil {
			errs.AddValidation(section, prefix+"."+blockName(p.Type), err.Error())
		}
	}
}

func blockName(providerType string) string {
	switch providerType {
	case ProviderTypeServiceAccount:
		return "serviceAccount"
	case ProviderTypeAPIKey:
		return "apiKey"
	default:
		return "oauth2"
	}
}

func validateStorage(cfg Config, errs *ConfigurationErrorCollection) {
	const section = "storage"
	s := cfg.Storage

	if err := ValidateOneOf(s.Type, []string{StorageTypeMemory, StorageTypeFile}); err != nil {
		errs.AddValidation(section, "storage.type", err.Error())
	}
	if s.Type == StorageTypeFile && strings.TrimSpace(s.Path) == "" {
		errs.AddValidation(section, "storage.path", "is required for the file store")
	}
	if !cfg.Security.EncryptCredentials {
		return
	}
	if s.Type != StorageTypeFile {
		errs.AddValidation(section, "security.encryptCredentials", "requires storage.type file")
	}
	if _, err := DecodeEncryptionKey(s.EncryptionKey); err != nil {
		errs.AddValidation(section, "storage.encryptionKey", err.Error(),
			"generate one with: head -c 32 /dev/urandom | base64",
			"reference it from the environment, e.g. encryptionKey: ${AUTHCOORD_ENCRYPTION_KEY}")
	}
}

func validateCache(c CacheConfig, errs *ConfigurationErrorCollection) {
	if c.MaxSize <= 0 {
		errs.AddValidation("cache", "cache.maxSize", "must be positive")
	}
	positive(errs, "cache", map[string]time.Duration{
		"cache.ttl":             c.TTL,
		"cache.cleanupInterval": c.CleanupInterval,
	})
}

func validateSecurity(s SecurityConfig, errs *ConfigurationErrorCollection) {
	const section = "security"
	if s.MaxSessions <= 0 {
		errs.AddValidation(section, "security.maxSessions", "must be positive")
	}
	if s.TokenRefreshBuffer < 0 {
		errs.AddValidation(section, "security.tokenRefreshBuffer", "must not be negative")
	}
	positive(errs, section, map[string]time.Duration{
		"security.maxSessionAge":          s.MaxSessionAge,
		"security.refreshCheckInterval":   s.RefreshCheckInterval,
		"security.sessionCleanupInterval": s.SessionCleanupInterval,
		"security.interactiveTimeout":     s.InteractiveTimeout,
		"security.backgroundTimeout":      s.BackgroundTimeout,
	})
	if s.BackgroundTimeout > s.InteractiveTimeout {
		errs.AddValidation(section, "security.backgroundTimeout", "must not exceed interactiveTimeout")
	}
}

func validateContext(c ContextConfig, errs *ConfigurationErrorCollection) {
	const section = "context"
	positive(errs, section, map[string]time.Duration{
		"context.maxContextAge":   c.MaxContextAge,
		"context.defaultTTL":      c.DefaultTTL,
		"context.cleanupInterval": c.CleanupInterval,
	})
	if _, err := secctx.ParseRulePolicy(c.RulePolicy); err != nil {
		errs.AddValidation(section, "context.rulePolicy", err.Error())
	}
	if _, err := secctx.NetworkPredicate(c.KnownNetworks); err != nil {
		errs.AddValidation(section, "context.knownNetworks", err.Error())
	}
	if c.MaxRiskScore < 0 || c.MaxRiskScore > 1 {
		errs.AddValidation(section, "context.maxRiskScore", "must be between 0 and 1")
	}
}

func validateAudit(a AuditConfig, errs *ConfigurationErrorCollection) {
	if a.MaxEntries <= 0 {
		errs.AddValidation("audit", "audit.maxEntries", "must be positive")
	}
	positive(errs, "audit", map[string]time.Duration{
		"audit.maxAge":       a.MaxAge,
		"audit.trimInterval": a.TrimInterval,
	})
}

func validateFacade(f FacadeConfig, errs *ConfigurationErrorCollection) {
	const section = "facade"
	if err := ValidateOneOf(f.Transport, []string{TransportStdio, TransportStreamableHTTP}); err != nil {
		errs.AddValidation(section, "facade.transport", err.Error())
	}
	if f.Transport == TransportStreamableHTTP && (f.Port <= 0 || f.Port > 65535) {
		errs.AddValidation(section, "facade.port", fmt.Sprintf("must be between 1 and 65535, got %d", f.Port))
	}
}

func validateLogging(l LoggingConfig, errs *ConfigurationErrorCollection) {
	if err := ValidateOneOf(strings.ToLower(l.Level), []string{"debug", "info", "warn", "warning", "error"}); err != nil {
		errs.AddValidation("logging", "logging.level", err.Error())
	}
	if err := ValidateOneOf(l.Format, []string{"text", "json"}); err != nil {
		errs.AddValidation("logging", "logging.format", err.Error())
	}
}

// positive records every non-positive duration, in field order.
func positive(errs *ConfigurationErrorCollection, section string, fields map[string]time.Duration) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fields[name] <= 0 {
			errs.AddValidation(section, name, fmt.Sprintf("must be positive, got %s", fields[name]))
		}
	}
}
