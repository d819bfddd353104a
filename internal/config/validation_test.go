package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"authcoord/internal/providers"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32)))
}

func TestValidate(t *testing.T) {
	apiKeyProvider := func(name string) ProviderConfig {
		return ProviderConfig{
			Name: name,
			Type: ProviderTypeAPIKey,
			APIKey: &providers.APIKeyConfig{Keys: []providers.APIKeyEntry{{
				ID:     "k1",
				SHA256: providers.HashAPIKey("secret"),
			}}},
		}
	}

	tests := []struct {
		name       string
		mutate     func(*Config)
		wantFields []string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name: "valid api key provider",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{apiKeyProvider("ci")}
			},
		},
		{
			name: "duplicate provider names",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{apiKeyProvider("ci"), apiKeyProvider("ci")}
			},
			wantFields: []string{"providers[ci].name"},
		},
		{
			name: "provider name with spaces and unknown type",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{Name: "my idp", Type: "saml"}}
			},
			wantFields: []string{"providers[my idp].name", "providers[my idp].type"},
		},
		{
			name: "missing type block",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{Name: "google", Type: ProviderTypeOAuth2}}
			},
			wantFields: []string{"providers[google].oauth2"},
		},
		{
			name: "provider block errors surface",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{
					Name: "google",
					Type: ProviderTypeOAuth2,
					OAuth2: &providers.OAuth2Config{
						ClientID:    "c",
						RedirectURL: "http://localhost/cb",
						AuthURL:     "http://idp/authorize",
						TokenURL:    "http://idp/token",
					},
				}}
			},
			wantFields: []string{"providers[google].oauth2"},
		},
		{
			name: "plain http allowed when https not required",
			mutate: func(c *Config) {
				c.Security.RequireHTTPS = false
				c.Providers = []ProviderConfig{{
					Name: "google",
					Type: ProviderTypeOAuth2,
					OAuth2: &providers.OAuth2Config{
						ClientID:    "c",
						RedirectURL: "http://localhost/cb",
						AuthURL:     "http://idp/authorize",
						TokenURL:    "http://idp/token",
					},
				}}
			},
		},
		{
			name: "bad rate limit",
			mutate: func(c *Config) {
				p := apiKeyProvider("ci")
				p.RateLimit = &RateLimitConfig{}
				c.Providers = []ProviderConfig{p}
			},
			wantFields: []string{"providers[ci].rateLimit.perSecond", "providers[ci].rateLimit.burst"},
		},
		{
			name: "file store without path",
			mutate: func(c *Config) {
				c.Storage.Type = StorageTypeFile
			},
			wantFields: []string{"storage.path"},
		},
		{
			name: "encryption requires file store and key",
			mutate: func(c *Config) {
				c.Security.EncryptCredentials = true
				c.Storage.EncryptionKey = "short"
			},
			wantFields: []string{"security.encryptCredentials", "storage.encryptionKey"},
		},
		{
			name: "encryption with file store",
			mutate: func(c *Config) {
				c.Security.EncryptCredentials = true
				c.Storage = StorageConfig{Type: StorageTypeFile, Path: "/tmp/creds", EncryptionKey: validKey()}
			},
		},
		{
			name: "timeouts",
			mutate: func(c *Config) {
				c.Security.BackgroundTimeout = time.Minute
				c.Security.MaxSessionAge = 0
			},
			wantFields: []string{"security.maxSessionAge", "security.backgroundTimeout"},
		},
		{
			name: "context settings",
			mutate: func(c *Config) {
				c.Context.RulePolicy = "strict"
				c.Context.KnownNetworks = []string{"10.0.0.0/99"}
				c.Context.MaxRiskScore = 2
			},
			wantFields: []string{"context.rulePolicy", "context.knownNetworks", "context.maxRiskScore"},
		},
		{
			name: "audit and facade and logging",
			mutate: func(c *Config) {
				c.Audit.MaxEntries = 0
				c.Facade.Transport = TransportStreamableHTTP
				c.Facade.Port = 0
				c.Logging.Level = "verbose"
				c.Logging.Format = "xml"
			},
			wantFields: []string{"audit.maxEntries", "facade.port", "logging.level", "logging.format"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)

			errs := Validate(cfg)
			var fields []string
			for _, e := range errs.Errors {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.wantFields, fields, "errors: %v", errs.Errors)
		})
	}
}

func TestDecodeEncryptionKey(t *testing.T) {
	key, err := DecodeEncryptionKey(validKey())
	assert.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = DecodeEncryptionKey("!!!")
	assert.Error(t, err)

	_, err = DecodeEncryptionKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
}

func TestConfigurationError_Format(t *testing.T) {
	e := ConfigurationError{
		FilePath:    "/etc/authcoord/config.yaml",
		Section:     "storage",
		Field:       "storage.path",
		ErrorType:   ErrorTypeValidation,
		Message:     "is required",
		Suggestions: []string{"set a directory"},
	}
	assert.Equal(t, "[storage] storage.path: is required", e.Error())

	detail := e.DetailedError()
	assert.Contains(t, detail, "File: /etc/authcoord/config.yaml")
	assert.Contains(t, detail, "- set a directory")

	var empty ConfigurationErrorCollection
	assert.Equal(t, "no configuration errors", empty.Error())
	assert.Equal(t, "No configuration errors to report", empty.GetDetailedReport())
}
