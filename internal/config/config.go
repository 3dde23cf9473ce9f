package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/market-intel/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Tiers      TiersConfig      `yaml:"tiers" mapstructure:"tiers"`
	Processing ProcessingConfig `yaml:"processing" mapstructure:"processing"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// SourcesConfig points at the source catalog. An empty file uses the
// built-in catalog.
type SourcesConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// SchedulerConfig configures collection scheduling.
type SchedulerConfig struct {
	Tick               time.Duration `yaml:"tick" mapstructure:"tick"`
	MaxConcurrent      int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	JitterFraction     float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	SuspendAfter       int           `yaml:"suspend_after" mapstructure:"suspend_after"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxBackoff         time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	CollectTimeoutSecs int           `yaml:"collect_timeout_secs" mapstructure:"collect_timeout_secs"`
	RunDeadlineSecs    int           `yaml:"run_deadline_secs" mapstructure:"run_deadline_secs"`
}

// TiersConfig holds the default cadence per priority tier.
type TiersConfig struct {
	Critical time.Duration `yaml:"critical" mapstructure:"critical"`
	High     time.Duration `yaml:"high" mapstructure:"high"`
	Medium   time.Duration `yaml:"medium" mapstructure:"medium"`
	Low      time.Duration `yaml:"low" mapstructure:"low"`
}

// Cadences returns the tier cadence table, skipping unset tiers.
func (t TiersConfig) Cadences() map[model.Tier]time.Duration {
	out := make(map[model.Tier]time.Duration, 4)
	for tier, d := range map[model.Tier]time.Duration{
		model.TierCritical: t.Critical,
		model.TierHigh:     t.High,
		model.TierMedium:   t.Medium,
		model.TierLow:      t.Low,
	} {
		if d > 0 {
			out[tier] = d
		}
	}
	return out
}

// ProcessingConfig configures the analysis stage.
type ProcessingConfig struct {
	MaxConcurrent       int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerSec          float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	AnalysisTimeoutSecs int     `yaml:"analysis_timeout_secs" mapstructure:"analysis_timeout_secs"`
	BatchLimit          int     `yaml:"batch_limit" mapstructure:"batch_limit"`
	// MaxAttempts bounds analysis calls per item within one pass.
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// FetchConfig configures the shared HTTP fetcher.
type FetchConfig struct {
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	EDGARUserAgent string `yaml:"edgar_user_agent" mapstructure:"edgar_user_agent"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// RedisConfig configures the snapshot stream. An empty addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len"`
}

// PipelineConfig configures run sequencing.
type PipelineConfig struct {
	RunTTLMins       int `yaml:"run_ttl_mins" mapstructure:"run_ttl_mins"`
	AnalyzeGraceSecs int `yaml:"analyze_grace_secs" mapstructure:"analyze_grace_secs"`
}

// MonitoringConfig configures webhook alerting. An empty webhook_url
// disables delivery.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// AnalysisFailureThreshold is the fraction of failed analyses in one run
	// that raises an alert.
	AnalysisFailureThreshold float64 `yaml:"analysis_failure_threshold" mapstructure:"analysis_failure_threshold"`
	SourceFailureThreshold   float64 `yaml:"source_failure_threshold" mapstructure:"source_failure_threshold"`
	// MinSamples is the smallest denominator a rate alert is evaluated on.
	MinSamples int `yaml:"min_samples" mapstructure:"min_samples"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "market-intel.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("scheduler.tick", "1m")
	v.SetDefault("scheduler.max_concurrent", 5)
	v.SetDefault("scheduler.jitter_fraction", 0.05)
	v.SetDefault("scheduler.suspend_after", 3)
	v.SetDefault("scheduler.backoff_multiplier", 1.0)
	v.SetDefault("scheduler.max_backoff", "24h")
	v.SetDefault("scheduler.collect_timeout_secs", 30)
	v.SetDefault("scheduler.run_deadline_secs", 300)
	v.SetDefault("tiers.critical", "5m")
	v.SetDefault("tiers.high", "15m")
	v.SetDefault("tiers.medium", "1h")
	v.SetDefault("tiers.low", "6h")
	v.SetDefault("processing.max_concurrent", 4)
	v.SetDefault("processing.rate_per_sec", 2.0)
	v.SetDefault("processing.analysis_timeout_secs", 60)
	v.SetDefault("processing.batch_limit", 500)
	v.SetDefault("processing.max_attempts", 3)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("fetch.user_agent", "market-intel/1.0")
	v.SetDefault("fetch.edgar_user_agent", "Sells Advisors research@sellsadvisors.com")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("redis.stream", "market-intel:runs")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("pipeline.run_ttl_mins", 60)
	v.SetDefault("pipeline.analyze_grace_secs", 120)
	v.SetDefault("monitoring.analysis_failure_threshold", 0.25)
	v.SetDefault("monitoring.source_failure_threshold", 0.5)
	v.SetDefault("monitoring.min_samples", 5)
	v.SetDefault("server.port", 8080)
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

// Validate checks the fields the given command mode needs and reports
// every problem at once. Modes: serve, collect, process, query, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireStore := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	requireAnalysis := func() {
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Processing.MaxConcurrent < 1 || c.Processing.MaxConcurrent > 64 {
			errs = append(errs, "processing.max_concurrent must be between 1 and 64")
		}
		if c.Processing.RatePerSec < 0 {
			errs = append(errs, "processing.rate_per_sec must be >= 0")
		}
	}
	requireScheduler := func() {
		if c.Scheduler.MaxConcurrent < 1 || c.Scheduler.MaxConcurrent > 64 {
			errs = append(errs, "scheduler.max_concurrent must be between 1 and 64")
		}
		if c.Scheduler.SuspendAfter < 1 {
			errs = append(errs, "scheduler.suspend_after must be > 0")
		}
		if c.Scheduler.JitterFraction < 0 || c.Scheduler.JitterFraction >= 1 {
			errs = append(errs, "scheduler.jitter_fraction must be in [0, 1)")
		}
		if c.Scheduler.BackoffMultiplier < 1 {
			errs = append(errs, "scheduler.backoff_multiplier must be >= 1")
		}
	}

	switch mode {
	case "serve":
		requireStore()
		requireScheduler()
		requireAnalysis()
		if c.Scheduler.Tick < time.Second {
			errs = append(errs, "scheduler.tick must be at least 1s")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "collect":
		requireStore()
		requireScheduler()
	case "process":
		requireStore()
		requireAnalysis()
	case "query", "migrate":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CollectTimeout returns the per-source collection timeout.
func (c SchedulerConfig) CollectTimeout() time.Duration {
	return time.Duration(c.CollectTimeoutSecs) * time.Second
}

// RunDeadline returns the collection deadline for one pipeline run.
func (c SchedulerConfig) RunDeadline() time.Duration {
	return time.Duration(c.RunDeadlineSecs) * time.Second
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
