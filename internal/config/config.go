// Package config loads application configuration from file and environment
// and owns global logger setup.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianbio/drugintel/internal/cost"
	"github.com/meridianbio/drugintel/internal/merge"
	"github.com/meridianbio/drugintel/internal/pipeline"
	"github.com/meridianbio/drugintel/internal/resilience"
	"github.com/meridianbio/drugintel/internal/scheduler"
	"github.com/meridianbio/drugintel/internal/validator"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Categories CategoriesConfig `yaml:"categories" mapstructure:"categories"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Scheduler  scheduler.Config `yaml:"scheduler" mapstructure:"scheduler"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Validator  validator.Config `yaml:"validator" mapstructure:"validator"`
	Merge      MergeConfig      `yaml:"merge" mapstructure:"merge"`
	Pipeline   pipeline.Config  `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "postgres".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path" mapstructure:"path"`
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CategoriesConfig points at the category taxonomy.
type CategoriesConfig struct {
	// Path is a YAML taxonomy file; empty uses the embedded default.
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RetryConfig holds provider call retry tuning.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig holds per-provider circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MergeConfig wraps the merge engine config with the reconciler binding.
type MergeConfig struct {
	merge.Config `yaml:",inline" mapstructure:",squash"`

	// ReconcilerProvider names the provider used for model-assisted
	// conflict reconciliation. Empty disables the reconciler.
	ReconcilerProvider string `yaml:"reconciler_provider" mapstructure:"reconciler_provider"`
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

// Validate checks that the configuration is usable for the given mode
// ("run" for one-shot CLI execution, "serve" for the API server).
func (c *Config) Validate(mode string) error {
	var problems []string
	check := func(cond bool, msg string) {
		if cond {
			problems = append(problems, msg)
		}
	}

	switch c.Store.Driver {
	case "sqlite":
		check(c.Store.Path == "", "store.path is required for the sqlite driver")
	case "postgres":
		check(c.Store.DatabaseURL == "", "store.database_url is required for the postgres driver")
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	hasProvider := c.Anthropic.Key != "" || c.OpenAI.Key != "" || c.Gemini.Key != "" || c.Perplexity.Key != ""
	check(!hasProvider, "at least one provider API key is required")
	check(c.Pipeline.CategoryConcurrency < 1 || c.Pipeline.CategoryConcurrency > 32,
		"pipeline.category_concurrency must be between 1 and 32")
	check(c.Merge.ReconcilerProvider != "" && !knownProvider(c.Merge.ReconcilerProvider),
		fmt.Sprintf("merge.reconciler_provider %q is not a known provider", c.Merge.ReconcilerProvider))

	switch mode {
	case "run":
	case "serve":
		check(c.Server.Port <= 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func knownProvider(id string) bool {
	switch id {
	case "anthropic", "openai", "gemini", "perplexity":
		return true
	}
	return false
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DRUGINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "drugintel.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 4096)
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")

	v.SetDefault("scheduler.global_concurrency", 8)
	v.SetDefault("scheduler.provider_concurrency", 3)
	v.SetDefault("scheduler.default_rate", 2)
	v.SetDefault("scheduler.rate_burst", 2)
	v.SetDefault("scheduler.call_timeout", "90s")
	v.SetDefault("scheduler.category_timeout", "5m")
	v.SetDefault("scheduler.cache_ttl", "15m")
	v.SetDefault("scheduler.provider_models", map[string]string{
		"anthropic":  "claude-sonnet-4-5-20250929",
		"openai":     "gpt-4o-mini",
		"gemini":     "gemini-2.0-flash",
		"perplexity": "sonar-pro",
	})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)

	v.SetDefault("validator.required_fields", []string{"field", "value"})
	v.SetDefault("validator.no_table_score", 0.5)
	v.SetDefault("validator.pass_threshold", 0.6)
	v.SetDefault("validator.authority.baseline", 50)
	v.SetDefault("validator.authority.scores", map[string]int{
		"anthropic":  80,
		"openai":     75,
		"perplexity": 70,
		"gemini":     65,
	})

	v.SetDefault("merge.numeric_tolerance", 0.05)
	v.SetDefault("merge.quality_floor", 0.1)
	v.SetDefault("merge.quality_weight", 0.5)
	v.SetDefault("merge.confidence_weight", 0.5)
	v.SetDefault("merge.key_findings", 5)
	v.SetDefault("merge.reconcile_cost_estimate", 0.01)

	v.SetDefault("pipeline.category_concurrency", 4)
	v.SetDefault("pipeline.request_budget_usd", 0)

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
	if len(cfg.Pricing.Models) == 0 && len(cfg.Pricing.PerQuery) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}
	cfg.Scheduler.Retry = resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMS, cfg.Retry.MaxBackoffMS,
		cfg.Retry.Multiplier, cfg.Retry.JitterFraction)
	cfg.Scheduler.Breaker = resilience.FromCircuitConfig(
		cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeoutSecs)

	return &cfg, nil
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
