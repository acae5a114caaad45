package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/parcelscope/property-research/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ResearchConfig configures the orchestration batch.
type ResearchConfig struct {
	DeadlineSecs    int     `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	CallTimeoutSecs int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Recency         string  `yaml:"recency" mapstructure:"recency"`
	RolesFile       string  `yaml:"roles_file" mapstructure:"roles_file"`
	RatePerSecond   float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// CacheConfig configures result caching and the research lock.
type CacheConfig struct {
	TTLHours     int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	LockTTLSecs  int `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	WaitPollSecs int `yaml:"wait_poll_secs" mapstructure:"wait_poll_secs"`
	WaitMaxSecs  int `yaml:"wait_max_secs" mapstructure:"wait_max_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROPERTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "property-research.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("research.deadline_secs", 90)
	v.SetDefault("research.call_timeout_secs", 45)
	v.SetDefault("research.temperature", 0.2)
	v.SetDefault("research.max_tokens", 2500)
	v.SetDefault("research.recency", "month")
	v.SetDefault("research.rate_per_second", 10)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.lock_ttl_secs", 120)
	v.SetDefault("cache.wait_poll_secs", 1)
	v.SetDefault("cache.wait_max_secs", 120)
	v.SetDefault("pricing.perplexity.per_query", 0.005)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks required settings before any subsystem starts.
func (c *Config) Validate() error {
	if c.Perplexity.Key == "" {
		return eris.New("config: perplexity.key is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
