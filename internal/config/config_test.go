package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://www.govinfo.gov/bulkdata/ECFR", cfg.Fetch.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, time.Second, cfg.Fetch.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RequestInterval)
	assert.Equal(t, "eCFR-Scraper/1.0 (Educational/Research Purpose)", cfg.Fetch.UserAgent)
	assert.Equal(t, filepath.Join("data", "ecfr.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.ArchiveDir())
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ECFR_DATA_DIR", dir)
	t.Setenv("ECFR_DEBUG", "true")
	t.Setenv("ECFR_FETCH_MAX_RETRIES", "5")
	t.Setenv("ECFR_FETCH_TIMEOUT", "10s")
	t.Setenv("ECFR_FETCH_ARCHIVE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "ecfr.db"), cfg.DBPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Fetch.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, filepath.Join(dir, "xml_files"), cfg.ArchiveDir())
}

func TestLoadExplicitDBPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	t.Setenv("ECFR_DB_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.DBPath)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecfr.yaml")
	content := `
fetch:
  base_url: http://localhost:9999/ECFR
  request_interval: 0s
ingest:
  workers: 8
log:
  mode: production
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/ECFR", cfg.Fetch.BaseURL)
	assert.Equal(t, time.Duration(0), cfg.Fetch.RequestInterval)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, "production", cfg.Log.Mode)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("ECFR_INGEST_WORKERS", "0")

	_, err := Load("")
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ingest.workers", cfgErr.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty db path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"zero timeout", func(c *Config) { c.Fetch.Timeout = 0 }, "fetch.timeout"},
		{"no retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, "fetch.max_retries"},
		{"no size ceiling", func(c *Config) { c.Fetch.MaxDocumentBytes = 0 }, "fetch.max_document_bytes"},
		{"negative persist retries", func(c *Config) { c.Ingest.PersistRetries = -1 }, "ingest.persist_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
