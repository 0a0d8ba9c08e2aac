package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries all runtime settings. Environment variables are the primary
// source; an optional YAML file named by RELAY_CONFIG overrides file-friendly
// settings (zero-input-token model list, thinking default, load-balance
// strategy).
type Config struct {
	Port     string
	AdminKey string
	APIKey   string
	BaseURL  string

	SQLitePath string
	MySQLDSN   string

	LoadBalanceStrategy string // round_robin | weighted_round_robin | least_used | random

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerRecovery  time.Duration

	HealthCheckInterval time.Duration

	CacheSimulationEnabled bool
	CacheTTL               time.Duration
	MaxCacheEntries        int

	AutoRefreshEnabled   bool
	TokenRefreshInterval time.Duration

	ZeroInputTokenModels []string
	InputValidationOff   bool
	MaxInputTokens       int

	// ThinkingDefault controls whether reasoning emulation is requested from
	// upstreams when the client does not ask for it. "off" honors the Claude
	// API default; "always_on" restores the legacy behavior.
	ThinkingDefault string

	TokenCacheDir string

	UpstreamTimeout time.Duration
}

// fileOverrides is the shape of the optional RELAY_CONFIG YAML file.
type fileOverrides struct {
	ZeroInputTokenModels []string `yaml:"zero_input_token_models"`
	ThinkingDefault      string   `yaml:"thinking_default"`
	LoadBalanceStrategy  string   `yaml:"load_balance_strategy"`
}

// Load reads .env, the environment, and the optional YAML override file.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		AdminKey: os.Getenv("ADMIN_KEY"),
		APIKey:   os.Getenv("API_KEY"),
		BaseURL:  getEnv("BASE_URL", "http://localhost:8080"),

		SQLitePath: getEnv("SQLITE_PATH", "relay.db"),
		MySQLDSN:   os.Getenv("MYSQL_DSN"),

		LoadBalanceStrategy: getEnv("LOAD_BALANCE_STRATEGY", "weighted_round_robin"),

		CircuitBreakerEnabled:   getBool("CIRCUIT_BREAKER_ENABLED", true),
		CircuitBreakerThreshold: getInt("CIRCUIT_BREAKER_ERROR_THRESHOLD", 5),
		CircuitBreakerRecovery:  time.Duration(getInt("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 300)) * time.Second,

		HealthCheckInterval: time.Duration(getInt("HEALTH_CHECK_INTERVAL", 300)) * time.Second,

		CacheSimulationEnabled: getBool("ENABLE_CACHE_SIMULATION", false),
		CacheTTL:               time.Duration(getInt("CACHE_TTL_SECONDS", 86400)) * time.Second,
		MaxCacheEntries:        getInt("MAX_CACHE_ENTRIES", 5000),

		AutoRefreshEnabled:   getBool("ENABLE_AUTO_REFRESH", false),
		TokenRefreshInterval: time.Duration(getInt("TOKEN_REFRESH_INTERVAL_HOURS", 5)) * time.Hour,

		ZeroInputTokenModels: splitList(os.Getenv("ZERO_INPUT_TOKEN_MODELS")),
		InputValidationOff:   getBool("DISABLE_INPUT_VALIDATION", false),
		MaxInputTokens:       getInt("AMAZONQ_MAX_INPUT_TOKENS", 100000),

		ThinkingDefault: getEnv("THINKING_DEFAULT", "off"),

		TokenCacheDir: getEnv("TOKEN_CACHE_DIR", ".relay-tokens"),

		UpstreamTimeout: time.Duration(getInt("UPSTREAM_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	switch cfg.LoadBalanceStrategy {
	case "round_robin", "weighted_round_robin", "least_used", "random":
	default:
		return nil, fmt.Errorf("unknown LOAD_BALANCE_STRATEGY %q", cfg.LoadBalanceStrategy)
	}
	switch cfg.ThinkingDefault {
	case "off", "always_on":
	default:
		return nil, fmt.Errorf("unknown THINKING_DEFAULT %q", cfg.ThinkingDefault)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov fileOverrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return err
	}
	if len(ov.ZeroInputTokenModels) > 0 {
		c.ZeroInputTokenModels = ov.ZeroInputTokenModels
	}
	if ov.ThinkingDefault != "" {
		c.ThinkingDefault = ov.ThinkingDefault
	}
	if ov.LoadBalanceStrategy != "" {
		c.LoadBalanceStrategy = ov.LoadBalanceStrategy
	}
	return nil
}

// ThinkingAlwaysOn reports whether reasoning should default to enabled.
func (c *Config) ThinkingAlwaysOn() bool { return c.ThinkingDefault == "always_on" }

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
