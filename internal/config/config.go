// Package config loads the application configuration from file and
// environment and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Guard      GuardConfig      `yaml:"guard" mapstructure:"guard"`
	Trust      TrustConfig      `yaml:"trust" mapstructure:"trust"`
	Fusion     FusionConfig     `yaml:"fusion" mapstructure:"fusion"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SchedulerConfig configures the job queue worker.
type SchedulerConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	PollIntervalMillis int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RetryBaseDelaySecs int `yaml:"retry_base_delay_secs" mapstructure:"retry_base_delay_secs"`
	DeferDelaySecs     int `yaml:"defer_delay_secs" mapstructure:"defer_delay_secs"`
	StallTimeoutSecs   int `yaml:"stall_timeout_secs" mapstructure:"stall_timeout_secs"`
	SweepIntervalSecs  int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	DefaultMaxAttempts int `yaml:"default_max_attempts" mapstructure:"default_max_attempts"`

	// Retention pruning of terminal jobs and the outcome log.
	JobRetentionDays     int `yaml:"job_retention_days" mapstructure:"job_retention_days"`
	OutcomeRetentionDays int `yaml:"outcome_retention_days" mapstructure:"outcome_retention_days"`
	PruneIntervalMins    int `yaml:"prune_interval_mins" mapstructure:"prune_interval_mins"`
}

// BreakerConfig configures the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDownSecs     int `yaml:"cool_down_secs" mapstructure:"cool_down_secs"`
}

// GuardConfig configures quote validation bounds.
type GuardConfig struct {
	MinPrice     float64 `yaml:"min_price" mapstructure:"min_price"`
	MaxPrice     float64 `yaml:"max_price" mapstructure:"max_price"`
	SuspectBelow float64 `yaml:"suspect_below" mapstructure:"suspect_below"`
	ConfirmAbove float64 `yaml:"confirm_above" mapstructure:"confirm_above"`
	MaxAgeDays   int     `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// TrustConfig configures the learned source weights.
type TrustConfig struct {
	BaseWeights       map[string]float64 `yaml:"base_weights" mapstructure:"base_weights"`
	AccuracyTolerance float64            `yaml:"accuracy_tolerance" mapstructure:"accuracy_tolerance"`
	LookbackDays      int                `yaml:"lookback_days" mapstructure:"lookback_days"`
	RecentWindowDays  int                `yaml:"recent_window_days" mapstructure:"recent_window_days"`
}

// FusionConfig configures the fusion engine.
type FusionConfig struct {
	MinReliability float64 `yaml:"min_reliability" mapstructure:"min_reliability"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	MaxEntries           int `yaml:"max_entries" mapstructure:"max_entries"`
	RetailTTLMins        int `yaml:"retail_ttl_mins" mapstructure:"retail_ttl_mins"`
	StatisticsTTLMins    int `yaml:"statistics_ttl_mins" mapstructure:"statistics_ttl_mins"`
	FusionTTLMins        int `yaml:"fusion_ttl_mins" mapstructure:"fusion_ttl_mins"`
	DefaultTTLMins       int `yaml:"default_ttl_mins" mapstructure:"default_ttl_mins"`
	SweepIntervalMins    int `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
	RecomputeTimeoutSecs int `yaml:"recompute_timeout_secs" mapstructure:"recompute_timeout_secs"`
}

// SourceConfig configures one source adapter.
type SourceConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// SourcesConfig holds per-source adapter settings keyed by source ID.
type SourcesConfig map[string]SourceConfig

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxQueueDepth        int     `yaml:"max_queue_depth" mapstructure:"max_queue_depth"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("PROCHEFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "procheff.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrency", 3)
	v.SetDefault("scheduler.poll_interval_ms", 1000)
	v.SetDefault("scheduler.retry_base_delay_secs", 30)
	v.SetDefault("scheduler.defer_delay_secs", 60)
	v.SetDefault("scheduler.stall_timeout_secs", 300)
	v.SetDefault("scheduler.sweep_interval_secs", 60)
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("scheduler.job_retention_days", 7)
	v.SetDefault("scheduler.outcome_retention_days", 90)
	v.SetDefault("scheduler.prune_interval_mins", 60)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down_secs", 60)
	v.SetDefault("guard.min_price", 0.5)
	v.SetDefault("guard.max_price", 5000.0)
	v.SetDefault("guard.suspect_below", 2.0)
	v.SetDefault("guard.confirm_above", 1000.0)
	v.SetDefault("guard.max_age_days", 90)
	v.SetDefault("trust.accuracy_tolerance", 0.15)
	v.SetDefault("trust.lookback_days", 90)
	v.SetDefault("trust.recent_window_days", 30)
	v.SetDefault("trust.base_weights", map[string]float64{
		"tuik": 0.04, "db": 0.06, "web": 0.04, "ai": 0.16,
	})
	v.SetDefault("fusion.min_reliability", 0.3)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.retail_ttl_mins", 30)
	v.SetDefault("cache.statistics_ttl_mins", 360)
	v.SetDefault("cache.fusion_ttl_mins", 30)
	v.SetDefault("cache.default_ttl_mins", 15)
	v.SetDefault("cache.sweep_interval_mins", 5)
	v.SetDefault("cache.recompute_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.max_queue_depth", 1000)

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

// Validate checks the configuration for the given run mode. Mode is
// one of "worker" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	if c.Scheduler.MaxConcurrency < 1 || c.Scheduler.MaxConcurrency > 50 {
		problems = append(problems, "scheduler.max_concurrency must be between 1 and 50")
	}
	if c.Guard.MinPrice >= c.Guard.MaxPrice {
		problems = append(problems, "guard.min_price must be below guard.max_price")
	}
	if c.Trust.AccuracyTolerance <= 0 || c.Trust.AccuracyTolerance >= 1 {
		problems = append(problems, "trust.accuracy_tolerance must be in (0, 1)")
	}
	if c.Fusion.MinReliability < 0 || c.Fusion.MinReliability > 1 {
		problems = append(problems, "fusion.min_reliability must be in [0, 1]")
	}

	switch mode {
	case "worker":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
