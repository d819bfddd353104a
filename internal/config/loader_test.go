package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0600))
	return dir
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
	assert.False(t, Validate(cfg).HasErrors(), "defaults must validate")
}

func TestLoadConfig_FullFile(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "from-env")
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("TEST_ENCRYPTION_KEY", key)

	dir := writeConfig(t, `
providers:
  - name: google
    type: oauth2
    rateLimit: {perSecond: 5, burst: 10}
    oauth2:
      clientId: client-1
      clientSecret: ${TEST_CLIENT_SECRET}
      redirectUrl: https://auth.example.com/callback
      authUrl: https://idp.example.com/authorize
      tokenUrl: https://idp.example.com/token
      scopes: [openid, email]
  - name: ci
    type: api_key
    enabled: false
    apiKey:
      keys:
        - id: pipeline
          sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
          ttl: 15m
storage:
  type: file
  path: /var/lib/authcoord
  encryptionKey: ${TEST_ENCRYPTION_KEY}
security:
  encryptCredentials: true
  maxSessionAge: 12h
context:
  trustedComponents: [vault]
  rulePolicy: enforce
facade:
  transport: streamable-http
  port: 9000
logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	google := cfg.Providers[0]
	assert.True(t, google.IsEnabled())
	require.NotNil(t, google.OAuth2)
	assert.Equal(t, "from-env", google.OAuth2.ClientSecret)
	assert.Equal(t, []string{"openid", "email"}, google.OAuth2.Scopes)
	assert.Equal(t, &RateLimitConfig{PerSecond: 5, Burst: 10}, google.RateLimit)

	ci := cfg.Providers[1]
	assert.False(t, ci.IsEnabled())
	require.NotNil(t, ci.APIKey)
	assert.Equal(t, 15*time.Minute, ci.APIKey.Keys[0].TTL)

	assert.Equal(t, key, cfg.Storage.EncryptionKey)
	assert.Equal(t, 12*time.Hour, cfg.Security.MaxSessionAge)
	assert.Equal(t, 5*time.Minute, cfg.Security.TokenRefreshBuffer, "unset fields keep defaults")
	assert.Equal(t, []string{"vault"}, cfg.Context.TrustedComponents)
	assert.True(t, cfg.Context.Enabled)
	assert.Equal(t, 9000, cfg.Facade.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_ParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "providers: [\n"},
		{"unknown field", "cache:\n  maxSise: 10\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)

			var coll *ConfigurationErrorCollection
			require.True(t, errors.As(err, &coll))
			require.Equal(t, 1, coll.Count())
			assert.Equal(t, ErrorTypeParse, coll.Errors[0].ErrorType)
			assert.NotEmpty(t, coll.Errors[0].FilePath)
		})
	}
}

func TestLoadConfig_ValidationErrorsCarryFile(t *testing.T) {
	dir := writeConfig(t, `
cache:
  maxSize: 0
facade:
  transport: smoke-signals
`)
	_, err := LoadConfig(dir)
	require.Error(t, err)

	var coll *ConfigurationErrorCollection
	require.True(t, errors.As(err, &coll))
	assert.Equal(t, 2, coll.Count())
	for _, e := range coll.Errors {
		assert.Equal(t, filepath.Join(dir, configFileName), e.FilePath)
		assert.Equal(t, ErrorTypeValidation, e.ErrorType)
	}
	assert.Len(t, coll.GetErrorsBySection("cache"), 1)
	assert.Contains(t, coll.Error(), "2 configuration errors")
	assert.Contains(t, coll.GetDetailedReport(), "facade.transport")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}
