package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settlement.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "escrow:\n  currency: EURC\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Escrow.Currency != "EURC" {
		t.Fatalf("currency override lost: %s", cfg.Escrow.Currency)
	}
	if cfg.Credit.DefaultScore != 650 || cfg.Credit.DefaultTier != "good" || cfg.Credit.DefaultLimit != 1000 {
		t.Fatalf("unexpected credit defaults: %+v", cfg.Credit)
	}
	if cfg.Credit.TierLimits["exceptional"] != 10000 || cfg.Credit.TierDiscounts["fair"] != 0.05 {
		t.Fatalf("tier tables not filled: %+v %+v", cfg.Credit.TierLimits, cfg.Credit.TierDiscounts)
	}
	if cfg.FlashLoan.FeeRate != 0.0005 || cfg.FlashLoan.MaxPoolRatio != 0.5 {
		t.Fatalf("unexpected flash loan defaults: %+v", cfg.FlashLoan)
	}
	if cfg.Failover.FailureThreshold != 3 || cfg.Failover.ResetTimeout != 30*time.Second {
		t.Fatalf("unexpected failover defaults: %+v", cfg.Failover)
	}
	if cfg.Events.Driver != "memory" {
		t.Fatalf("unexpected events driver %s", cfg.Events.Driver)
	}
	wantData := filepath.Join(filepath.Dir(path), "data")
	if cfg.Runtime.DataDir != wantData {
		t.Fatalf("data dir = %s, want %s", cfg.Runtime.DataDir, wantData)
	}
	if cfg.Credit.Persistence.Path != filepath.Join(wantData, "credit-data.json") {
		t.Fatalf("unexpected persistence path %s", cfg.Credit.Persistence.Path)
	}
}

func TestLoadParsesDurationsAndPartialTiers(t *testing.T) {
	path := writeConfig(t, `
credit:
  tier_limits:
    good: 2500
  persistence:
    path: state/credit.json
    debounce: 250ms
    strict_integrity: true
flashloan:
  max_execution_time: 5s
events:
  driver: Redis
  redis:
    address: 127.0.0.1:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credit.TierLimits["good"] != 2500 || cfg.Credit.TierLimits["fair"] != 500 {
		t.Fatalf("tier limits not merged: %+v", cfg.Credit.TierLimits)
	}
	if cfg.Credit.Persistence.Debounce != 250*time.Millisecond || !cfg.Credit.Persistence.StrictIntegrity {
		t.Fatalf("unexpected persistence config: %+v", cfg.Credit.Persistence)
	}
	if cfg.Credit.Persistence.Path != filepath.Join(filepath.Dir(path), "state", "credit.json") {
		t.Fatalf("relative persistence path not resolved: %s", cfg.Credit.Persistence.Path)
	}
	if cfg.FlashLoan.MaxExecutionTime != 5*time.Second {
		t.Fatalf("unexpected execution bound %v", cfg.FlashLoan.MaxExecutionTime)
	}
	if cfg.Events.Driver != "redis" {
		t.Fatalf("driver should be normalised, got %s", cfg.Events.Driver)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"score":    "credit:\n  default_score: 900\n",
		"tier":     "credit:\n  default_tier: platinum\n",
		"fee":      "flashloan:\n  fee_rate: 1.5\n",
		"ratio":    "flashloan:\n  max_pool_ratio: 2\n",
		"driver":   "events:\n  driver: kafka\n",
		"redis":    "events:\n  driver: redis\n",
		"rabbitmq": "events:\n  driver: rabbitmq\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "metrics:\n  address: \":9999\"\n")
	t.Setenv(EnvPath, path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.Metrics.Address != ":9999" {
		t.Fatalf("unexpected metrics address %s", cfg.Metrics.Address)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "credit: [")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Maintenance.DailyResetSpec != "0 0 * * *" {
		t.Fatalf("unexpected daily spec %s", cfg.Maintenance.DailyResetSpec)
	}
}
