package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/config"
	"github.com/firasghr/mimicry/logger"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "chrome-131", cfg.Profile)
	assert.True(t, cfg.VerifyCertificates)
	assert.Equal(t, 10, cfg.MaxRedirects)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.NoError(t, cfg.Validate())

	// Every call returns an independent copy.
	cfg.Profile = "firefox"
	assert.Equal(t, "chrome-131", config.DefaultConfig().Profile)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "mimicry.yaml", `
profile: firefox-120
timeout: 45s
max_connections_per_host: 2
verify_certificates: false
proxy: socks5://127.0.0.1:1080
profile_files:
  - extra.yaml
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "firefox-120", cfg.Profile)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxConnectionsPerHost)
	assert.False(t, cfg.VerifyCertificates)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Proxy)
	assert.Equal(t, []string{"extra.yaml"}, cfg.ProfileFiles)
	// Absent keys keep defaults.
	assert.Equal(t, 10, cfg.MaxRedirects)
	assert.Equal(t, 256, cfg.MaxConnections)
}

func TestLoadConfig_EmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadConfig_JSON(t *testing.T) {
	raw := map[string]interface{}{
		"profile":       "safari",
		"timeout":       int64(5 * time.Second),
		"max_redirects": 3,
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	cfg, err := config.LoadConfig(writeFile(t, "mimicry.json", string(data)))
	require.NoError(t, err)
	assert.Equal(t, "safari", cfg.Profile)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRedirects)
}

func TestLoadConfig_UnknownKeys(t *testing.T) {
	_, err := config.LoadConfig(writeFile(t, "typo.yaml", "profil: chrome\n"))
	assert.Error(t, err)

	_, err = config.LoadConfig(writeFile(t, "typo.json", `{"profil": "chrome"}`))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	_, err := config.LoadConfig(writeFile(t, "bad.json", "{not valid json}"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MIMICRY_PROFILE", "edge")
	t.Setenv("MIMICRY_TIMEOUT", "2s")
	t.Setenv("MIMICRY_VERIFY_CERTIFICATES", "false")
	t.Setenv("MIMICRY_MAX_CONNECTIONS_PER_HOST", "1")
	t.Setenv("MIMICRY_PROFILE_FILES", "a.yaml, b.yaml")
	t.Setenv("MIMICRY_LOG_LEVEL", "debug")

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "edge", cfg.Profile)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.False(t, cfg.VerifyCertificates)
	assert.Equal(t, 1, cfg.MaxConnectionsPerHost)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ProfileFiles)
	assert.Equal(t, logger.LevelDebug, cfg.LoggerOptions().Level)
}

func TestApplyEnv_Malformed(t *testing.T) {
	t.Setenv("MIMICRY_TIMEOUT", "soon")
	t.Setenv("MIMICRY_MAX_REDIRECTS", "many")

	cfg := config.DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIMICRY_TIMEOUT")
	assert.Contains(t, err.Error(), "MIMICRY_MAX_REDIRECTS")
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"empty profile":       func(c *config.Config) { c.Profile = " " },
		"zero timeout":        func(c *config.Config) { c.Timeout = 0 },
		"negative limit":      func(c *config.Config) { c.MaxConnections = -1 },
		"per host over total": func(c *config.Config) { c.MaxConnections = 2; c.MaxConnectionsPerHost = 3 },
		"negative redirects":  func(c *config.Config) { c.MaxRedirects = -1 },
		"bad log level":       func(c *config.Config) { c.LogLevel = "verbose" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggerOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogFile = "/var/log/mimicry.log"
	cfg.LogLevel = "warn"

	opts := cfg.LoggerOptions()
	assert.Equal(t, logger.LevelWarn, opts.Level)
	assert.Equal(t, "/var/log/mimicry.log", opts.File)
	assert.Equal(t, 10, opts.MaxSizeMB)
	assert.True(t, opts.Compress)
}
