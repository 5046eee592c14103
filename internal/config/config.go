package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Fetch  FetchConfig  `yaml:"fetch" mapstructure:"fetch"`
	Run    RunConfig    `yaml:"run" mapstructure:"run"`
	Lock   LockConfig   `yaml:"lock" mapstructure:"lock"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures outbound HTTP.
type FetchConfig struct {
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
	HostConcurrency int    `yaml:"host_concurrency" mapstructure:"host_concurrency"`
	HostSpacingMs   int    `yaml:"host_spacing_ms" mapstructure:"host_spacing_ms"`
	ListPageDelayMs int    `yaml:"list_page_delay_ms" mapstructure:"list_page_delay_ms"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	BreakerFailures int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// RunConfig configures the scraping run.
type RunConfig struct {
	MaxConcurrentSources int `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
	StagingBatchSize     int `yaml:"staging_batch_size" mapstructure:"staging_batch_size"`
	SourceTimeoutMins    int `yaml:"source_timeout_mins" mapstructure:"source_timeout_mins"`
}

// LockConfig selects the run-uniqueness guard.
type LockConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	AdminHeader string   `yaml:"admin_header" mapstructure:"admin_header"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml, and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STAGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("fetch.user_agent", "stagegate/1.0 (+https://github.com/sells-group/stagegate)")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.host_concurrency", 2)
	v.SetDefault("fetch.host_spacing_ms", 250)
	v.SetDefault("fetch.list_page_delay_ms", 1000)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.breaker_failures", 5)
	v.SetDefault("run.max_concurrent_sources", 4)
	v.SetDefault("run.staging_batch_size", 50)
	v.SetDefault("run.source_timeout_mins", 10)
	v.SetDefault("lock.driver", "postgres")
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl_secs", 120)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_header", "X-Stagegate-Admin")
	v.SetDefault("server.cors_origins", []string{"*"})
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

// Validate checks the settings a command mode needs. Modes: scrape, serve,
// review, sources, migrate. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "scrape", "serve", "review", "sources", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "scrape" || mode == "serve" {
		if c.Run.MaxConcurrentSources < 1 || c.Run.MaxConcurrentSources > 32 {
			errs = append(errs, "run.max_concurrent_sources must be between 1 and 32")
		}
		if c.Run.StagingBatchSize < 25 || c.Run.StagingBatchSize > 50 {
			errs = append(errs, "run.staging_batch_size must be between 25 and 50")
		}
		if c.Run.SourceTimeoutMins < 1 {
			errs = append(errs, "run.source_timeout_mins must be > 0")
		}
		if c.Fetch.TimeoutSecs < 1 {
			errs = append(errs, "fetch.timeout_secs must be > 0")
		}
		if c.Fetch.HostConcurrency < 1 {
			errs = append(errs, "fetch.host_concurrency must be > 0")
		}
		if c.Fetch.ListPageDelayMs < 0 || c.Fetch.HostSpacingMs < 0 {
			errs = append(errs, "fetch delays must be >= 0")
		}
		switch c.Lock.Driver {
		case "none":
		case "postgres":
			if c.Store.Driver != "postgres" {
				errs = append(errs, "lock.driver postgres requires store.driver postgres")
			}
		case "redis":
			if c.Lock.RedisURL == "" {
				errs = append(errs, "lock.redis_url is required for lock.driver redis")
			}
		default:
			errs = append(errs, "lock.driver must be postgres, redis, or none")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if strings.TrimSpace(c.Server.AdminHeader) == "" {
			errs = append(errs, "server.admin_header is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
