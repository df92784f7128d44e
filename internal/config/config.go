package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/resilience"
)

// Backend names accepted by backend.
const (
	BackendStore = "store"
	BackendAPI   = "api"
)

// Config holds the full application configuration.
type Config struct {
	Backend string       `yaml:"backend" mapstructure:"backend"`
	Store   StoreConfig  `yaml:"store" mapstructure:"store"`
	API     APIConfig    `yaml:"api" mapstructure:"api"`
	Review  ReviewConfig `yaml:"review" mapstructure:"review"`
	Server  ServerConfig `yaml:"server" mapstructure:"server"`
	Log     LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the local proposal store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// APIConfig configures the remote proposal API client.
type APIConfig struct {
	BaseURL          string      `yaml:"base_url" mapstructure:"base_url"`
	Token            string      `yaml:"token" mapstructure:"token"`
	TimeoutSecs      int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64     `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Retry            RetryConfig `yaml:"retry" mapstructure:"retry"`
	BreakerThreshold int         `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int         `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// RetryConfig configures transport retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Policy converts the retry settings to a resilience policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.NewPolicy(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs)
}

// ReviewConfig configures review sessions.
type ReviewConfig struct {
	Strategy          string `yaml:"strategy" mapstructure:"strategy"`
	AutosaveQuietMs   int    `yaml:"autosave_quiet_ms" mapstructure:"autosave_quiet_ms"`
	BlocksFile        string `yaml:"blocks_file" mapstructure:"blocks_file"`
	SessionTTLMinutes int    `yaml:"session_ttl_minutes" mapstructure:"session_ttl_minutes"`
	FetchConcurrency  int    `yaml:"fetch_concurrency" mapstructure:"fetch_concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env files, config.yaml and the environment.
func Load() (*Config, error) {
	// .env.local wins over .env; neither overrides variables already set.
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("backend", BackendStore)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "proposal-review.db")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout_secs", 30)
	v.SetDefault("api.rate_per_sec", 10)
	v.SetDefault("api.retry.max_attempts", 3)
	v.SetDefault("api.retry.initial_backoff_ms", 250)
	v.SetDefault("api.retry.max_backoff_ms", 5000)
	v.SetDefault("api.breaker_threshold", 5)
	v.SetDefault("api.breaker_reset_secs", 30)
	v.SetDefault("review.strategy", string(consolidate.StrategyPrimary))
	v.SetDefault("review.autosave_quiet_ms", 1500)
	v.SetDefault("review.blocks_file", "")
	v.SetDefault("review.session_ttl_minutes", 60)
	v.SetDefault("review.fetch_concurrency", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode needs. Modes: "review"
// (anything that opens a persistence backend), "store" (commands that need
// the local store) and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "review":
		errs = append(errs, c.validateBackend()...)
		errs = append(errs, c.validateReview()...)
	case "store":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateBackend()...)
		errs = append(errs, c.validateReview()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBackend() []string {
	switch c.Backend {
	case BackendStore:
		return c.validateStore()
	case BackendAPI:
		var errs []string
		if c.API.BaseURL == "" {
			errs = append(errs, "api.base_url is required")
		}
		if c.API.RatePerSec < 0 {
			errs = append(errs, "api.rate_per_sec must be >= 0")
		}
		return errs
	default:
		return []string{"backend must be \"store\" or \"api\""}
	}
}

func (c *Config) validateStore() []string {
	var errs []string
	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateReview() []string {
	var errs []string
	if _, err := consolidate.ParseStrategy(c.Review.Strategy); err != nil {
		errs = append(errs, "review.strategy must be primary or merge_all")
	}
	if c.Review.AutosaveQuietMs < 0 {
		errs = append(errs, "review.autosave_quiet_ms must be >= 0")
	}
	if c.Review.FetchConcurrency < 0 || c.Review.FetchConcurrency > 64 {
		errs = append(errs, "review.fetch_concurrency must be between 0 and 64")
	}
	return errs
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
