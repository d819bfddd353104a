package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcoord/internal/config"
)

const providersYAML = `
providers:
  - name: corp-sso
    type: oauth2
    rateLimit: {perSecond: 5, burst: 10}
    oauth2:
      clientId: cli
      clientSecret: do-not-print-me
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
`

func withConfigDir(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))

	original := configPath
	configPath = dir
	t.Cleanup(func() { configPath = original })
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		providersOutputFormat = "table"
		checkQuiet = false
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestProvidersCommand_JSON(t *testing.T) {
	withConfigDir(t, providersYAML)

	out, _, err := runCmd(t, "providers", "--output", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "do-not-print-me")
	assert.NotContains(t, out, "9f86d081")

	var rows []providerRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, providerRow{
		Name:      "corp-sso",
		Type:      config.ProviderTypeOAuth2,
		Enabled:   true,
		RateLimit: "5/s burst 10",
		Endpoint:  "https://idp.example.com/token",
		Scopes:    2,
	}, rows[0])
	assert.Equal(t, providerRow{Name: "ci", Type: config.ProviderTypeAPIKey, Keys: 1}, rows[1])
}

func TestProvidersCommand_Table(t *testing.T) {
	withConfigDir(t, providersYAML)

	out, _, err := runCmd(t, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "corp-sso")
	assert.Contains(t, out, "1 keys")
	assert.NotContains(t, out, "do-not-print-me")
}

func TestProvidersCommand_RejectsUnknownFormat(t *testing.T) {
	withConfigDir(t, providersYAML)

	_, _, err := runCmd(t, "providers", "--output", "xml")
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	withConfigDir(t, providersYAML)
	out, _, err := runCmd(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (2 providers)")
}

func TestCheckCommand_InvalidConfig(t *testing.T) {
	withConfigDir(t, "cache:\n  maxSize: -1\n")

	_, stderr, err := runCmd(t, "check")
	require.Error(t, err)
	assert.Equal(t, ExitCodeConfigInvalid, getExitCode(err))
	assert.Contains(t, stderr, "cache.maxSize")
}
