package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  url: wss://ws.example.test/v3
accounts:
  - id: CR1001
    token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.URL != "wss://ws.example.test/v3" {
		t.Fatalf("explicit value lost: %+v", cfg.Session)
	}
	if cfg.Session.ReconnectMaxAttempts != 8 || cfg.Session.BackoffBaseMs != 500 {
		t.Fatalf("session defaults missing: %+v", cfg.Session)
	}
	if cfg.Risk.DailyLossLimitPct != 5 || cfg.Risk.MaxConcurrentTrades != 3 {
		t.Fatalf("risk defaults missing: %+v", cfg.Risk)
	}
	if cfg.RateLimits.Quote.RatePerSec != 2 || cfg.RateLimits.Commit.Burst != 2 {
		t.Fatalf("rate limit defaults missing: %+v", cfg.RateLimits)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Exec.MaxRequoteAttempts != 2 {
		t.Fatalf("exec defaults missing: %+v %+v", cfg.Breaker, cfg.Exec)
	}
	if cfg.StorePath == "" || cfg.MetricsAddr == "" || cfg.Logging.Level != "info" {
		t.Fatalf("ambient defaults missing: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: CR1001
    token: secret
risk:
  daily_loss_limit_pct: 2
  max_stake: 25
exec:
  slippage_tolerance_pct: 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.DailyLossLimitPct != 2 || cfg.Risk.MaxStake != 25 {
		t.Fatalf("override lost: %+v", cfg.Risk)
	}
	if cfg.Exec.SlippageTolerancePct != 0.5 {
		t.Fatalf("override lost: %+v", cfg.Exec)
	}
}

func TestLoadResolvesTokenEnv(t *testing.T) {
	t.Setenv("EXECORE_TEST_TOKEN", "from-env")
	path := writeConfig(t, `
accounts:
  - id: CR1001
    token: inline-overridden
    token_env: EXECORE_TEST_TOKEN
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Accounts[0].Token != "from-env" {
		t.Fatalf("env reference should win: %+v", cfg.Accounts[0])
	}
}

func TestLoadRejectsTokenlessAccount(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: CR1001
    token_env: EXECORE_UNSET_TOKEN
`)
	if _, err := Load(path); err == nil {
		t.Fatal("account with no resolvable token must fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}
