package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "procheff.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 30, cfg.Scheduler.RetryBaseDelaySecs)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxAttempts)
	assert.Equal(t, 7, cfg.Scheduler.JobRetentionDays)
	assert.Equal(t, 90, cfg.Scheduler.OutcomeRetentionDays)
	assert.Equal(t, 60, cfg.Scheduler.PruneIntervalMins)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60, cfg.Breaker.CoolDownSecs)
	assert.InDelta(t, 0.5, cfg.Guard.MinPrice, 0.001)
	assert.InDelta(t, 5000.0, cfg.Guard.MaxPrice, 0.001)
	assert.Equal(t, 90, cfg.Guard.MaxAgeDays)
	assert.InDelta(t, 0.15, cfg.Trust.AccuracyTolerance, 0.001)
	assert.Equal(t, 90, cfg.Trust.LookbackDays)
	assert.InDelta(t, 0.16, cfg.Trust.BaseWeights["ai"], 0.001)
	assert.InDelta(t, 0.04, cfg.Trust.BaseWeights["tuik"], 0.001)
	assert.InDelta(t, 0.3, cfg.Fusion.MinReliability, 0.001)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 30, cfg.Cache.RetailTTLMins)
	assert.Equal(t, 360, cfg.Cache.StatisticsTTLMins)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/procheff
log:
  level: debug
  format: console
server:
  port: 9090
scheduler:
  max_concurrency: 8
sources:
  web:
    requests_per_second: 0.5
    timeout_secs: 45
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.InDelta(t, 0.5, cfg.Sources["web"].RequestsPerSecond, 0.001)
	assert.Equal(t, 45, cfg.Sources["web"].TimeoutSecs)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PROCHEFF_STORE_DRIVER", "sqlite")
	t.Setenv("PROCHEFF_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chTempDir(t)

	t.Setenv("PROCHEFF_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "procheff.db"
	cfg.Scheduler.MaxConcurrency = 3
	cfg.Guard.MinPrice = 0.5
	cfg.Guard.MaxPrice = 5000
	cfg.Trust.AccuracyTolerance = 0.15
	cfg.Fusion.MinReliability = 0.3
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateWorker_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("worker"))
}

func TestValidatePostgresRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/procheff"
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "oracle"

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.MaxConcurrency = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency must be between 1 and 50")

	cfg.Scheduler.MaxConcurrency = 51
	err = cfg.Validate("worker")
	assert.Error(t, err)

	cfg.Scheduler.MaxConcurrency = 50
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateGuardBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Guard.MinPrice = 5000
	cfg.Guard.MaxPrice = 0.5

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "guard.min_price must be below guard.max_price")
}

func TestValidateTrustTolerance(t *testing.T) {
	cfg := validDefaults()

	cfg.Trust.AccuracyTolerance = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "accuracy_tolerance")

	cfg.Trust.AccuracyTolerance = 1.5
	assert.Error(t, cfg.Validate("worker"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
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
