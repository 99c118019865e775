package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.App.Name != "hlsentry" {
		t.Errorf("app.name = %s", cfg.App.Name)
	}
	if cfg.Vault.CriticalLossUSD != 2_000_000 || cfg.Vault.HighLossUSD != 1_000_000 {
		t.Errorf("vault loss thresholds = %v/%v", cfg.Vault.CriticalLossUSD, cfg.Vault.HighLossUSD)
	}
	if cfg.Oracle.WarningPct != 0.3 || cfg.Oracle.DangerPct != 0.5 || cfg.Oracle.CriticalPct != 1.0 {
		t.Errorf("oracle thresholds = %v/%v/%v", cfg.Oracle.WarningPct, cfg.Oracle.DangerPct, cfg.Oracle.CriticalPct)
	}
	if cfg.Oracle.SustainedDuration != 30*time.Second {
		t.Errorf("oracle.sustained_duration = %v", cfg.Oracle.SustainedDuration)
	}
	if cfg.Liquidation.FlashWindow != 10*time.Second || cfg.Liquidation.FlashMinTotalUSD != 500_000 {
		t.Errorf("flash settings = %v/%v", cfg.Liquidation.FlashWindow, cfg.Liquidation.FlashMinTotalUSD)
	}
	if cfg.Scheduler.VaultInterval != 5*time.Minute ||
		cfg.Scheduler.OracleInterval != time.Minute ||
		cfg.Scheduler.LiquidationInterval != 3*time.Minute {
		t.Errorf("scheduler intervals = %v/%v/%v",
			cfg.Scheduler.VaultInterval, cfg.Scheduler.OracleInterval, cfg.Scheduler.LiquidationInterval)
	}
	var btc *AssetMapping
	for i := range cfg.Sources.Assets {
		if cfg.Sources.Assets[i].Symbol == "BTC" {
			btc = &cfg.Sources.Assets[i]
		}
	}
	if btc == nil || btc.Binance != "BTCUSDT" || btc.Coinbase != "BTC-USD" {
		t.Errorf("BTC asset mapping = %+v", btc)
	}
	if len(cfg.Vault.Addresses) != 1 {
		t.Errorf("vault.addresses = %v", cfg.Vault.Addresses)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
vault:
  critical_loss_usd: 5000000
  high_loss_usd: 2500000
oracle:
  sustained_duration: 45s
alerting:
  enabled: true
  min_severity: critical
  channels: [log, telegram]
  telegram:
    enabled: true
    bot_token: token
    chat_id: "42"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vault.CriticalLossUSD != 5_000_000 || cfg.Vault.HighLossUSD != 2_500_000 {
		t.Errorf("vault thresholds not overridden: %v/%v", cfg.Vault.CriticalLossUSD, cfg.Vault.HighLossUSD)
	}
	if cfg.Oracle.SustainedDuration != 45*time.Second {
		t.Errorf("sustained_duration = %v", cfg.Oracle.SustainedDuration)
	}
	if len(cfg.Alerting.Channels) != 2 {
		t.Errorf("channels = %v", cfg.Alerting.Channels)
	}
	// Untouched sections keep defaults.
	if cfg.Liquidation.CascadeMinEvents != 5 {
		t.Errorf("cascade_min_events = %d", cfg.Liquidation.CascadeMinEvents)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no vaults", func(c *Config) { c.Vault.Addresses = nil }},
		{"inverted loss thresholds", func(c *Config) { c.Vault.HighLossUSD = c.Vault.CriticalLossUSD + 1 }},
		{"unordered oracle thresholds", func(c *Config) { c.Oracle.DangerPct = c.Oracle.CriticalPct + 1 }},
		{"zero flash window", func(c *Config) { c.Liquidation.FlashWindow = 0 }},
		{"bad decline fraction", func(c *Config) { c.Liquidation.CascadeDeclineFrac = 1.5 }},
		{"zero interval", func(c *Config) { c.Scheduler.OracleInterval = 0 }},
		{"telegram without token", func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.MinSeverity = "high"
			c.Alerting.Telegram.Enabled = true
			c.Alerting.Telegram.ChatID = "42"
		}},
		{"bad min severity", func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.MinSeverity = "fatal"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("load defaults: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
