// Package config loads mirror settings from defaults, an optional config
// file and ECFR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ECFR_DB_PATH.
const EnvPrefix = "ECFR"

// Config represents the complete mirror configuration
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
	Debug   bool   `json:"debug" mapstructure:"debug"`

	Fetch  FetchConfig  `json:"fetch" mapstructure:"fetch"`
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`
	Search SearchConfig `json:"search" mapstructure:"search"`
	Log    LogConfig    `json:"log" mapstructure:"log"`
}

// FetchConfig contains GovInfo download settings
type FetchConfig struct {
	BaseURL          string        `json:"base_url" mapstructure:"base_url"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries       int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	RequestInterval  time.Duration `json:"request_interval" mapstructure:"request_interval"`
	UserAgent        string        `json:"user_agent" mapstructure:"user_agent"`
	MaxDocumentBytes int64         `json:"max_document_bytes" mapstructure:"max_document_bytes"`
	Archive          bool          `json:"archive" mapstructure:"archive"`
}

// IngestConfig contains orchestrator settings
type IngestConfig struct {
	Workers        int `json:"workers" mapstructure:"workers"`
	PersistRetries int `json:"persist_retries" mapstructure:"persist_retries"`
}

// SearchConfig contains query side settings
type SearchConfig struct {
	CacheSize    int `json:"cache_size" mapstructure:"cache_size"`
	DefaultLimit int `json:"default_limit" mapstructure:"default_limit"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Mode  string `json:"mode" mapstructure:"mode"`
	Level string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		DBPath:  filepath.Join("data", "ecfr.db"),
		Fetch: FetchConfig{
			BaseURL:          "https://www.govinfo.gov/bulkdata/ECFR",
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			RequestInterval:  500 * time.Millisecond,
			UserAgent:        "eCFR-Scraper/1.0 (Educational/Research Purpose)",
			MaxDocumentBytes: 512 << 20,
		},
		Ingest: IngestConfig{
			Workers:        4,
			PersistRetries: 2,
		},
		Search: SearchConfig{
			CacheSize:    1000,
			DefaultLimit: 10,
		},
		Log: LogConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("debug", false)

	v.SetDefault("fetch.base_url", d.Fetch.BaseURL)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.max_retries", d.Fetch.MaxRetries)
	v.SetDefault("fetch.retry_delay", d.Fetch.RetryDelay)
	v.SetDefault("fetch.request_interval", d.Fetch.RequestInterval)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.max_document_bytes", d.Fetch.MaxDocumentBytes)
	v.SetDefault("fetch.archive", d.Fetch.Archive)

	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("ingest.persist_retries", d.Ingest.PersistRetries)

	v.SetDefault("search.cache_size", d.Search.CacheSize)
	v.SetDefault("search.default_limit", d.Search.DefaultLimit)

	v.SetDefault("log.mode", d.Log.Mode)
	v.SetDefault("log.level", d.Log.Level)
}

// Load reads configuration. configFile may be empty, in which case only
// defaults and environment variables apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "ecfr.db")
	}
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ArchiveDir is where raw title XML is kept when archiving is on.
func (c *Config) ArchiveDir() string {
	if !c.Fetch.Archive {
		return ""
	}
	return filepath.Join(c.DataDir, "xml_files")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return &ConfigError{Field: "db_path", Message: "must not be empty"}
	case c.Fetch.BaseURL == "":
		return &ConfigError{Field: "fetch.base_url", Message: "must not be empty"}
	case c.Fetch.Timeout <= 0:
		return &ConfigError{Field: "fetch.timeout", Message: "must be positive"}
	case c.Fetch.MaxRetries < 1:
		return &ConfigError{Field: "fetch.max_retries", Message: "must be at least 1"}
	case c.Fetch.RetryDelay < 0:
		return &ConfigError{Field: "fetch.retry_delay", Message: "must not be negative"}
	case c.Fetch.RequestInterval < 0:
		return &ConfigError{Field: "fetch.request_interval", Message: "must not be negative"}
	case c.Fetch.MaxDocumentBytes <= 0:
		return &ConfigError{Field: "fetch.max_document_bytes", Message: "must be positive"}
	case c.Ingest.Workers < 1:
		return &ConfigError{Field: "ingest.workers", Message: "must be at least 1"}
	case c.Ingest.PersistRetries < 0:
		return &ConfigError{Field: "ingest.persist_retries", Message: "must not be negative"}
	case c.Search.CacheSize < 1:
		return &ConfigError{Field: "search.cache_size", Message: "must be at least 1"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
