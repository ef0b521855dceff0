package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "drugintel.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, "gemini-2.0-flash", cfg.Gemini.Model)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Perplexity.BaseURL)

	assert.Equal(t, 8, cfg.Scheduler.GlobalConcurrency)
	assert.Equal(t, 3, cfg.Scheduler.ProviderConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.CallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.CategoryTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.CacheTTL)
	assert.Equal(t, "gpt-4o-mini", cfg.Scheduler.ProviderModels["openai"])
	assert.Equal(t, 3, cfg.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Retry.InitialBackoff)
	assert.Equal(t, 5, cfg.Scheduler.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Breaker.ResetTimeout)

	assert.Equal(t, []string{"field", "value"}, cfg.Validator.RequiredFields)
	assert.InDelta(t, 0.6, cfg.Validator.PassThreshold, 0.001)
	assert.Equal(t, 80, cfg.Validator.Authority.Scores["anthropic"])
	assert.Equal(t, 50, cfg.Validator.Authority.Baseline)

	assert.InDelta(t, 0.05, cfg.Merge.NumericTolerance, 0.001)
	assert.InDelta(t, 0.1, cfg.Merge.QualityFloor, 0.001)
	assert.Equal(t, 5, cfg.Merge.KeyFindings)
	assert.Empty(t, cfg.Merge.ReconcilerProvider)

	assert.Equal(t, 4, cfg.Pipeline.CategoryConcurrency)

	// Pricing falls back to built-in rates when unconfigured.
	assert.NotEmpty(t, cfg.Pricing.Models["anthropic"])
	assert.InDelta(t, 0.005, cfg.Pricing.PerQuery["perplexity"], 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/drugintel
log:
  level: debug
  format: console
server:
  port: 9090
scheduler:
  global_concurrency: 16
  call_timeout: 30s
merge:
  reconciler_provider: anthropic
pipeline:
  request_budget_usd: 2.5
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/drugintel", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Scheduler.GlobalConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.CallTimeout)
	assert.Equal(t, "anthropic", cfg.Merge.ReconcilerProvider)
	assert.InDelta(t, 2.5, cfg.Pipeline.RequestBudgetUSD, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Scheduler.ProviderConcurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DRUGINTEL_STORE_DRIVER", "postgres")
	t.Setenv("DRUGINTEL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("DRUGINTEL_SERVER_PORT", "3000")
	t.Setenv("DRUGINTEL_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

// validConfig returns a Config that passes validation in run mode.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "drugintel.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Pipeline.CategoryConcurrency = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRequiresProviderKey(t *testing.T) {
	cfg := validConfig()
	cfg.Anthropic.Key = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider API key")
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServePort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 9090
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateReconcilerProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Merge.ReconcilerProvider = "llama"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciler_provider")

	cfg.Merge.ReconcilerProvider = "anthropic"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validConfig()

	cfg.Pipeline.CategoryConcurrency = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category_concurrency must be between 1 and 32")

	cfg.Pipeline.CategoryConcurrency = 33
	err = cfg.Validate("run")
	require.Error(t, err)

	cfg.Pipeline.CategoryConcurrency = 32
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate("batch")
	require.Error(t, err)
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
