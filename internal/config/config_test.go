package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
server:
  node_id: clinic-01-edge
  port: 8088
central:
  url: https://central.example.org
  api_key: key-123
  establishment_id: clinic-01
security:
  token_secret: token-secret
  local_system_secret: shared-secret
  central_secret: shared-secret
sync:
  batch_size: 50
  retry_delay: 10s
cache:
  max_size: 500
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "clinic-01-edge", cfg.Server.NodeID)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "clinic-01", cfg.Central.EstablishmentID)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, 500, cfg.Cache.MaxSize)

	// defaults
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Central.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Central.ProbeTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, time.Hour, cfg.Security.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Security.MaxPackageAge)
	assert.Equal(t, 16, cfg.Security.MinNonceBytes)
	assert.Equal(t, 30, cfg.Sync.RetentionDays)
	assert.Equal(t, "0.0.0.0:8088", cfg.ListenAddr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("EDGESYNC_SYNC_BATCH_SIZE", "25")
	t.Setenv("EDGESYNC_CENTRAL_API_KEY", "from-env")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, "from-env", cfg.Central.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing establishment", func(c *Config) { c.Central.EstablishmentID = "" }},
		{"relative central url", func(c *Config) { c.Central.URL = "central.local" }},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero cache size", func(c *Config) { c.Cache.MaxSize = 0 }},
		{"missing secret", func(c *Config) { c.Security.CentralSecret = "" }},
		{"short nonce", func(c *Config) { c.Security.MinNonceBytes = 8 }},
		{"database without host", func(c *Config) { c.Database.Enabled = true; c.Database.Host = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad rate limit", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAML_RedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	data, err := cfg.YAML()
	require.NoError(t, err)

	assert.NotContains(t, string(data), "shared-secret")
	assert.NotContains(t, string(data), "key-123")

	var rendered Config
	require.NoError(t, yaml.Unmarshal(data, &rendered))
	assert.Equal(t, redacted, rendered.Security.CentralSecret)
	assert.Equal(t, "clinic-01", rendered.Central.EstablishmentID)
	assert.Equal(t, 5*time.Minute, rendered.Sync.Interval)

	// the original is untouched
	assert.Equal(t, "shared-secret", cfg.Security.CentralSecret)
}
