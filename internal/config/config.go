// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Redis is mandatory: the edge KV (key cache, models cache) and the usage
// queue both live there. A provider is enabled by giving it an API key;
// the synthetic test provider is enabled with TEST_PROVIDER=true.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8787.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// LogFile, when set, routes the JSON log stream to a size-rotated file
	// instead of stdout.
	LogFile string

	// Redis holds the connection URL for the edge KV and the usage queue.
	// Required.
	Redis RedisConfig

	// Backend points at the authority service for key verification and
	// usage settlement.
	Backend BackendConfig

	// Upstream providers. A provider with an empty APIKey is disabled.
	DeepSeek ProviderConfig
	Moonshot ProviderConfig
	Zai      ProviderConfig

	// TestProvider configures the synthetic benchmarking upstream.
	TestProvider TestProviderConfig

	// Settlement tunes the usage settlement consumer.
	Settlement SettlementConfig

	// ClickHouseURL, when set, enables the usage archive (DSN form,
	// e.g. clickhouse://localhost:9000/analytics).
	ClickHouseURL string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and proxies. Leave empty to use the default.
	BaseURL string

	// AllowedModels restricts which upstream models are served, by exact
	// name. Empty together with AllowedModelPatterns means unrestricted.
	AllowedModels []string

	// AllowedModelPatterns is a list of Go regular expressions matched
	// against upstream model names.
	AllowedModelPatterns []string
}

// TestProviderConfig configures the synthetic provider.
type TestProviderConfig struct {
	// Enabled switches the provider on under the "test" prefix.
	Enabled bool
	// Response overrides the fixed response content.
	Response string
	// Chunks is the number of chunks a streamed response is split into.
	// Default: 10.
	Chunks int
	// ChunkDelay is the pause between streamed chunks. Default: 0.
	ChunkDelay time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// BackendConfig holds the authority endpoint and shared secret.
type BackendConfig struct {
	// URL is the authority base URL, e.g. "https://billing.internal:8000".
	URL string
	// InternalSecret authenticates the gateway against /internal/* endpoints.
	InternalSecret string
}

// SettlementConfig tunes the settlement consumer.
type SettlementConfig struct {
	// BatchSize is the maximum entries per settlement POST. Default: 100.
	BatchSize int
	// FlushInterval is how long the consumer waits for a batch to fill.
	// Default: 30s.
	FlushInterval time.Duration
	// MaxDeliveries bounds redeliveries before an entry is dead-lettered.
	// Default: 3.
	MaxDeliveries int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8787)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	v.SetDefault("MOONSHOT_BASE_URL", "https://api.moonshot.cn/v1")
	v.SetDefault("ZAI_BASE_URL", "https://api.z.ai/api/openai/v1")

	v.SetDefault("TEST_PROVIDER", false)
	v.SetDefault("TEST_PROVIDER_CHUNKS", 10)
	v.SetDefault("TEST_PROVIDER_CHUNK_DELAY", "0s")

	v.SetDefault("SETTLE_BATCH_SIZE", 100)
	v.SetDefault("SETTLE_FLUSH_INTERVAL", "30s")
	v.SetDefault("SETTLE_MAX_DELIVERIES", 3)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFile:  v.GetString("LOG_FILE"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Backend: BackendConfig{
			URL:            v.GetString("BACKEND_URL"),
			InternalSecret: v.GetString("INTERNAL_SECRET"),
		},

		DeepSeek: ProviderConfig{
			APIKey:               v.GetString("DEEPSEEK_API_KEY"),
			BaseURL:              v.GetString("DEEPSEEK_BASE_URL"),
			AllowedModels:        v.GetStringSlice("DEEPSEEK_ALLOWED_MODELS"),
			AllowedModelPatterns: v.GetStringSlice("DEEPSEEK_ALLOWED_MODEL_PATTERNS"),
		},
		Moonshot: ProviderConfig{
			APIKey:               v.GetString("MOONSHOT_API_KEY"),
			BaseURL:              v.GetString("MOONSHOT_BASE_URL"),
			AllowedModels:        v.GetStringSlice("MOONSHOT_ALLOWED_MODELS"),
			AllowedModelPatterns: v.GetStringSlice("MOONSHOT_ALLOWED_MODEL_PATTERNS"),
		},
		Zai: ProviderConfig{
			APIKey:               v.GetString("ZAI_API_KEY"),
			BaseURL:              v.GetString("ZAI_BASE_URL"),
			AllowedModels:        v.GetStringSlice("ZAI_ALLOWED_MODELS"),
			AllowedModelPatterns: v.GetStringSlice("ZAI_ALLOWED_MODEL_PATTERNS"),
		},

		TestProvider: TestProviderConfig{
			Enabled:    v.GetBool("TEST_PROVIDER"),
			Response:   v.GetString("TEST_PROVIDER_RESPONSE"),
			Chunks:     v.GetInt("TEST_PROVIDER_CHUNKS"),
			ChunkDelay: v.GetDuration("TEST_PROVIDER_CHUNK_DELAY"),
		},

		Settlement: SettlementConfig{
			BatchSize:     v.GetInt("SETTLE_BATCH_SIZE"),
			FlushInterval: v.GetDuration("SETTLE_FLUSH_INTERVAL"),
			MaxDeliveries: v.GetInt("SETTLE_MAX_DELIVERIES"),
		},

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required (edge KV and usage queue)")
	}

	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider must be configured " +
				"(DEEPSEEK_API_KEY, MOONSHOT_API_KEY, ZAI_API_KEY, or TEST_PROVIDER=true)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Settlement.BatchSize < 1 {
		return fmt.Errorf("config: SETTLE_BATCH_SIZE must be ≥ 1, got %d", c.Settlement.BatchSize)
	}
	if c.Settlement.FlushInterval <= 0 {
		return fmt.Errorf("config: SETTLE_FLUSH_INTERVAL must be a positive duration")
	}
	if c.Settlement.MaxDeliveries < 1 {
		return fmt.Errorf("config: SETTLE_MAX_DELIVERIES must be ≥ 1, got %d", c.Settlement.MaxDeliveries)
	}

	// BACKEND_URL and INTERNAL_SECRET travel together. Leaving both empty is
	// allowed for local benchmarking — verification then rejects every key,
	// and settlement nacks — but half a configuration is always a mistake.
	if (c.Backend.URL == "") != (c.Backend.InternalSecret == "") {
		return fmt.Errorf("config: BACKEND_URL and INTERNAL_SECRET must be set together")
	}

	return nil
}

// AtLeastOneProvider reports whether any upstream is enabled.
func (c *Config) AtLeastOneProvider() bool {
	return c.DeepSeek.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.Zai.APIKey != "" ||
		c.TestProvider.Enabled
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
