package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "market-intel.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Scheduler.Tick)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 3, cfg.Scheduler.SuspendAfter)
	assert.InDelta(t, 0.05, cfg.Scheduler.JitterFraction, 0.0001)
	assert.InDelta(t, 1.0, cfg.Scheduler.BackoffMultiplier, 0.0001)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.CollectTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunDeadline())
	assert.Equal(t, map[model.Tier]time.Duration{
		model.TierCritical: 5 * time.Minute,
		model.TierHigh:     15 * time.Minute,
		model.TierMedium:   time.Hour,
		model.TierLow:      6 * time.Hour,
	}, cfg.Tiers.Cadences())
	assert.Equal(t, 4, cfg.Processing.MaxConcurrent)
	assert.Equal(t, 500, cfg.Processing.BatchLimit)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 1024, cfg.Anthropic.MaxTokens)
	assert.Equal(t, "market-intel:runs", cfg.Redis.Stream)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 60, cfg.Pipeline.RunTTLMins)
	assert.Equal(t, 120, cfg.Pipeline.AnalyzeGraceSecs)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.25, cfg.Monitoring.AnalysisFailureThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Monitoring.SourceFailureThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Monitoring.MinSamples)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/intel
log:
  level: debug
  format: console
scheduler:
  tick: 30s
  max_concurrent: 8
tiers:
  medium: 10m
server:
  port: 9090
  cors_origins:
    - https://dash.example.com
sources:
  file: sources.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/intel", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Tiers.Medium)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sources.yaml", cfg.Sources.File)
	// Defaults still apply for unset values
	assert.Equal(t, 6*time.Hour, cfg.Tiers.Low)
	assert.Equal(t, 3, cfg.Scheduler.SuspendAfter)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("INTEL_STORE_DRIVER", "postgres")
	t.Setenv("INTEL_LOG_LEVEL", "warn")
	t.Setenv("INTEL_SCHEDULER_MAX_CONCURRENT", "2")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestCadences_SkipsUnset(t *testing.T) {
	got := TiersConfig{High: time.Minute}.Cadences()
	assert.Equal(t, map[model.Tier]time.Duration{model.TierHigh: time.Minute}, got)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "intel.db"
	cfg.Scheduler.Tick = time.Minute
	cfg.Scheduler.MaxConcurrent = 5
	cfg.Scheduler.SuspendAfter = 3
	cfg.Scheduler.JitterFraction = 0.05
	cfg.Scheduler.BackoffMultiplier = 1
	cfg.Processing.MaxConcurrent = 4
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_ReportsEveryProblem(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "scheduler.max_concurrent must be between 1 and 64")
	assert.Contains(t, err.Error(), "scheduler.tick must be at least 1s")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateCollect_NoAnthropicKeyNeeded(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate("collect"))

	err := cfg.Validate("process")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateSchedulerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.JitterFraction = 1
	err := cfg.Validate("collect")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_fraction")

	cfg.Scheduler.JitterFraction = 0
	cfg.Scheduler.BackoffMultiplier = 0.5
	err = cfg.Validate("collect")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_multiplier")

	cfg.Scheduler.BackoffMultiplier = 2
	cfg.Scheduler.SuspendAfter = 0
	err = cfg.Validate("collect")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "suspend_after")
}

func TestValidateQueryOnlyNeedsStore(t *testing.T) {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "intel.db"
	assert.NoError(t, cfg.Validate("query"))
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
