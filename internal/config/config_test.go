package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOAD_BALANCE_STRATEGY", "CIRCUIT_BREAKER_ERROR_THRESHOLD",
		"CACHE_TTL_SECONDS", "TOKEN_REFRESH_INTERVAL_HOURS",
		"ZERO_INPUT_TOKEN_MODELS", "THINKING_DEFAULT", "RELAY_CONFIG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s", cfg.Port)
	}
	if cfg.LoadBalanceStrategy != "weighted_round_robin" {
		t.Errorf("strategy = %s", cfg.LoadBalanceStrategy)
	}
	if cfg.CircuitBreakerThreshold != 5 || cfg.CircuitBreakerRecovery != 300*time.Second {
		t.Errorf("breaker defaults: %d %v", cfg.CircuitBreakerThreshold, cfg.CircuitBreakerRecovery)
	}
	if cfg.CacheTTL != 86400*time.Second || cfg.MaxCacheEntries != 5000 {
		t.Errorf("cache defaults: %v %d", cfg.CacheTTL, cfg.MaxCacheEntries)
	}
	if cfg.TokenRefreshInterval != 5*time.Hour {
		t.Errorf("refresh interval = %v", cfg.TokenRefreshInterval)
	}
	if cfg.MaxInputTokens != 100000 {
		t.Errorf("max input tokens = %d", cfg.MaxInputTokens)
	}
	if cfg.ThinkingAlwaysOn() {
		t.Error("thinking must default off")
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("LOAD_BALANCE_STRATEGY", "fastest_first")
	if _, err := Load(); err == nil {
		t.Fatal("unknown strategy must be rejected")
	}
}

func TestZeroInputTokenModelList(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("ZERO_INPUT_TOKEN_MODELS", "small-a, small-b ,")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ZeroInputTokenModels) != 2 || cfg.ZeroInputTokenModels[1] != "small-b" {
		t.Fatalf("list = %v", cfg.ZeroInputTokenModels)
	}
}

func TestYAMLOverrides(t *testing.T) {
	clearRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte("thinking_default: always_on\nload_balance_strategy: least_used\n"), 0o600)
	t.Setenv("RELAY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.ThinkingAlwaysOn() || cfg.LoadBalanceStrategy != "least_used" {
		t.Fatalf("overrides not applied: %s %s", cfg.ThinkingDefault, cfg.LoadBalanceStrategy)
	}
}
