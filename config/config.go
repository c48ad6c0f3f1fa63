// Package config loads the enrichment backend configuration using Viper.
//
// Precedence: defaults < config file (enrichd.toml) < environment
// variables (ENRICHD_ prefix, dots replaced by underscores).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CamiloMaria/catalog-enrichment/errors"
)

// Config is the root configuration for the enrichment backend
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig configures the HTTP control surface
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig configures the product catalog database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// OpenRouterConfig configures the keyword generation client
type OpenRouterConfig struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// EngineConfig configures the bulk enrichment engine
type EngineConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	Concurrency           int           `mapstructure:"concurrency"`
	PrioritizedCategories []string      `mapstructure:"prioritized_categories"`
	InterPageDelay        time.Duration `mapstructure:"inter_page_delay"`
	PausePollInterval     time.Duration `mapstructure:"pause_poll_interval"`
	MaxPause              time.Duration `mapstructure:"max_pause"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Load reads configuration from defaults, an optional enrichd.toml in the
// working directory, and ENRICHD_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("ENRICHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("enrichd")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults and env vars cover everything
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &cfg, nil
}

// setDefaults registers defaults for every key so Unmarshal always
// produces a fully-populated Config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "catalog.db")

	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.requests_per_minute", 60)

	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.concurrency", 5)
	v.SetDefault("engine.prioritized_categories", []string{})
	v.SetDefault("engine.inter_page_delay", 500*time.Millisecond)
	v.SetDefault("engine.pause_poll_interval", 5*time.Second)
	v.SetDefault("engine.max_pause", time.Hour)

	v.SetDefault("log.json", false)
}
