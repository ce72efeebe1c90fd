package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20*time.Second, cfg.Realtime.Heartbeat)
	assert.Equal(t, time.Second, cfg.Realtime.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Realtime.ReconnectMaxDelay)
	assert.Equal(t, 5, cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, "error-code", cfg.Gateway.ErrorCodeHeader)
	assert.Equal(t, "/api/auth/reissue", cfg.Gateway.RefreshPath)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "storefront.yaml", `
gateway:
  base_url: https://shop.example.com
  refresh_queue_limit: 8
realtime:
  url: wss://shop.example.com/ws
  reconnect_max_attempts: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 8, cfg.Gateway.RefreshQueueLimit)
	assert.Equal(t, "wss://shop.example.com/ws", cfg.Realtime.URL)
	assert.Equal(t, 3, cfg.Realtime.ReconnectMaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, "/api/auth/login", cfg.Gateway.LoginPath)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "storefront.yaml", "gateway:\n  base_url: https://yaml.example.com\n")
	t.Setenv("STOREFRONT_BASE_URL", "https://env.example.com")
	t.Setenv("STOREFRONT_RECONNECT_BASE_DELAY", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.ReconnectBaseDelay)
}

func TestLoadWithEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "STOREFRONT_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("STOREFRONT_LOG_LEVEL") })

	cfg, err := LoadWithEnvFile("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, "bad.yaml", "gateway: [")
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.Gateway.BaseURL = "" }},
		{"no refresh path", func(c *Config) { c.Gateway.RefreshPath = "" }},
		{"zero queue limit", func(c *Config) { c.Gateway.RefreshQueueLimit = 0 }},
		{"negative rps", func(c *Config) { c.Gateway.RequestsPerSecond = -1 }},
		{"no realtime url", func(c *Config) { c.Realtime.URL = "" }},
		{"cap below base", func(c *Config) { c.Realtime.ReconnectMaxDelay = time.Millisecond }},
		{"negative attempts", func(c *Config) { c.Realtime.ReconnectMaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
