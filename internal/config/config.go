package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/cartrouter/internal/events"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/scoring"
	"github.com/sells-group/cartrouter/internal/store"
)

// Token store backends.
const (
	TokenBackendMemory = "memory"
	TokenBackendStore  = "store"
	TokenBackendRedis  = "redis"
)

// Config is the top-level configuration.
type Config struct {
	Store       store.Config         `mapstructure:"store"`
	Redis       store.RedisConfig    `mapstructure:"redis"`
	Server      ServerConfig         `mapstructure:"server"`
	Log         LogConfig            `mapstructure:"log"`
	Providers   ProvidersConfig      `mapstructure:"providers"`
	Routing     RoutingConfig        `mapstructure:"routing"`
	Scoring     ScoringConfig        `mapstructure:"scoring"`
	Reliability reliability.Config   `mapstructure:"reliability"`
	Tokens      TokensConfig         `mapstructure:"tokens"`
	Events      EventsConfig         `mapstructure:"events"`
	Resilience  ResilienceConfig     `mapstructure:"resilience"`
	Metrics     events.MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               int      `mapstructure:"port"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
	ReadTimeoutSecs    int      `mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs   int      `mapstructure:"write_timeout_secs"`
	RequestTimeoutSecs int      `mapstructure:"request_timeout_secs"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProvidersConfig points at the provider table.
type ProvidersConfig struct {
	Path string `mapstructure:"path"`
}

// RoutingConfig tunes a routing decision.
type RoutingConfig struct {
	TotalToleranceCents int64  `mapstructure:"total_tolerance_cents"`
	MaxAlternatives     int    `mapstructure:"max_alternatives"`
	DefaultMode         string `mapstructure:"default_mode"`
	AsyncOutcomes       bool   `mapstructure:"async_outcomes"`
}

// ScoringConfig holds the balanced weight vector.
type ScoringConfig struct {
	Weights scoring.Weights `mapstructure:"weights"`
}

// TokensConfig holds confirmation token settings.
type TokensConfig struct {
	TTLSecs           int    `mapstructure:"ttl_secs"`
	Backend           string `mapstructure:"backend"` // memory, store, redis
	SweepIntervalSecs int    `mapstructure:"sweep_interval_secs"`
	RetentionSecs     int    `mapstructure:"retention_secs"`
}

// TTL returns the token lifetime.
func (c TokensConfig) TTL() time.Duration { return time.Duration(c.TTLSecs) * time.Second }

// SweepInterval returns the sweeper period.
func (c TokensConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// Retention returns how long settled tokens are kept.
func (c TokensConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSecs) * time.Second
}

// EventsConfig sizes the event buffer.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// ResilienceConfig holds per-provider circuit breaker settings.
type ResilienceConfig struct {
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	BreakerResetSecs int `mapstructure:"breaker_reset_secs"`
}

// Validate checks the loaded configuration for the given mode ("serve",
// "route", "migrate" or "providers") and reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.RequestTimeoutSecs < 0 {
			errs = append(errs, "server.request_timeout_secs must be >= 0")
		}
	case "route", "providers", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "", store.DriverMemory:
		if mode == "migrate" {
			errs = append(errs, "store.driver must be sqlite or postgres to migrate")
		}
	case store.DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case store.DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	if mode != "migrate" {
		if c.Providers.Path == "" {
			errs = append(errs, "providers.path is required")
		}
		if c.Routing.TotalToleranceCents < 0 {
			errs = append(errs, "routing.total_tolerance_cents must be >= 0")
		}
		if c.Routing.MaxAlternatives < 0 {
			errs = append(errs, "routing.max_alternatives must be >= 0")
		}
		if _, err := scoring.ParseMode(c.Routing.DefaultMode); err != nil {
			errs = append(errs, fmt.Sprintf("routing.default_mode: %v", err))
		}
		if err := scoring.ValidateWeights(c.Scoring.Weights); err != nil {
			errs = append(errs, fmt.Sprintf("scoring.weights: %v", err))
		}
		if err := c.Reliability.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if c.Tokens.TTLSecs <= 0 {
			errs = append(errs, "tokens.ttl_secs must be > 0")
		}
		if c.Tokens.SweepIntervalSecs < 0 || c.Tokens.RetentionSecs < 0 {
			errs = append(errs, "tokens.sweep_interval_secs and tokens.retention_secs must be >= 0")
		}
		switch c.Tokens.Backend {
		case TokenBackendMemory, TokenBackendStore:
		case TokenBackendRedis:
			if c.Redis.Addr == "" {
				errs = append(errs, "redis.addr is required for the redis token backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("tokens.backend %q is not one of memory, store, redis", c.Tokens.Backend))
		}
		if c.Events.Buffer < 0 {
			errs = append(errs, "events.buffer must be >= 0")
		}
		if c.Metrics.Enabled && c.Metrics.Endpoint == "" {
			errs = append(errs, "metrics.endpoint is required when metrics are enabled")
		}
		if c.Metrics.IntervalSecs < 0 {
			errs = append(errs, "metrics.interval_secs must be >= 0")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from config.yaml (optional) and environment
// variables prefixed with CARTROUTER_.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CARTROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "cartrouter.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "cartrouter:token:")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.read_timeout_secs", 10)
	v.SetDefault("server.write_timeout_secs", 30)
	v.SetDefault("server.request_timeout_secs", 15)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("providers.path", "providers.yaml")
	v.SetDefault("routing.total_tolerance_cents", model.DefaultTotalToleranceCents)
	v.SetDefault("routing.max_alternatives", 3)
	v.SetDefault("routing.default_mode", string(scoring.ModeBalanced))
	v.SetDefault("routing.async_outcomes", false)

	w := scoring.DefaultWeights()
	v.SetDefault("scoring.weights.priority", w.Priority)
	v.SetDefault("scoring.weights.price", w.Price)
	v.SetDefault("scoring.weights.speed", w.Speed)
	v.SetDefault("scoring.weights.commission", w.Commission)
	v.SetDefault("scoring.weights.availability", w.Availability)
	v.SetDefault("scoring.weights.reliability", w.Reliability)

	rc := reliability.DefaultConfig()
	v.SetDefault("reliability.alpha", rc.Alpha)
	v.SetDefault("reliability.prior", rc.Prior)
	v.SetDefault("reliability.latency_alpha", rc.LatencyAlpha)
	v.SetDefault("reliability.queue_size", rc.QueueSize)

	v.SetDefault("tokens.ttl_secs", 600)
	v.SetDefault("tokens.backend", TokenBackendStore)
	v.SetDefault("tokens.sweep_interval_secs", 60)
	v.SetDefault("tokens.retention_secs", 86400)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_reset_secs", 30)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.endpoint", "localhost:4317")
	v.SetDefault("metrics.insecure", false)
	v.SetDefault("metrics.interval_secs", 15)
	v.SetDefault("metrics.service_name", "cartrouter")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger configures the global zap logger from the config.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrapf(err, "config: parse log level %q", cfg.Level)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
