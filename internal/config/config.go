package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/security"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	ML          MLConfig          `mapstructure:"ml"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HyperliquidConfig covers venue API access.
type HyperliquidConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
}

// SourcesConfig lists the external reference price sources.
type SourcesConfig struct {
	Binance  ReferenceSourceConfig `mapstructure:"binance"`
	Coinbase ReferenceSourceConfig `mapstructure:"coinbase"`
	// Assets lists the venue symbols to compare and their symbol on each
	// external source, e.g. BTC -> BTCUSDT on Binance, BTC-USD on Coinbase.
	Assets []AssetMapping `mapstructure:"assets"`
}

// ReferenceSourceConfig describes one external price API.
type ReferenceSourceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AssetMapping carries an asset's symbol on each external source.
type AssetMapping struct {
	Symbol   string `mapstructure:"symbol"`
	Binance  string `mapstructure:"binance"`
	Coinbase string `mapstructure:"coinbase"`
}

// VaultConfig holds vault monitoring thresholds.
type VaultConfig struct {
	Addresses           []string `mapstructure:"addresses"`
	Name                string   `mapstructure:"name"`
	CriticalLossUSD     float64  `mapstructure:"critical_loss_usd"`
	HighLossUSD         float64  `mapstructure:"high_loss_usd"`
	SigmaThreshold      float64  `mapstructure:"sigma_threshold"`
	DrawdownCriticalPct float64  `mapstructure:"drawdown_critical_pct"`
	UnhealthyScore      float64  `mapstructure:"unhealthy_score"`
	HistoryLimit        int      `mapstructure:"history_limit"`
}

// OracleConfig holds price deviation thresholds, all in percent.
type OracleConfig struct {
	WarningPct        float64       `mapstructure:"warning_pct"`
	DangerPct         float64       `mapstructure:"danger_pct"`
	CriticalPct       float64       `mapstructure:"critical_pct"`
	SustainedDuration time.Duration `mapstructure:"sustained_duration"`
}

// LiquidationConfig holds pattern matcher thresholds.
type LiquidationConfig struct {
	FlashWindow        time.Duration `mapstructure:"flash_window"`
	FlashMinTotalUSD   float64       `mapstructure:"flash_min_total_usd"`
	CascadeMinEvents   int           `mapstructure:"cascade_min_events"`
	CascadeWindow      time.Duration `mapstructure:"cascade_window"`
	CascadeDeclineFrac float64       `mapstructure:"cascade_decline_frac"`
	CoordinatedMinHits int           `mapstructure:"coordinated_min_hits"`
	CoordinatedMinUSD  float64       `mapstructure:"coordinated_min_usd"`
	Retention          time.Duration `mapstructure:"retention"`
	SuspicionThreshold float64       `mapstructure:"suspicion_threshold"`
	// TokenPriceUSD is the placeholder used to size fills quoted in
	// tokens; override per deployment rather than trusting the default.
	TokenPriceUSD float64 `mapstructure:"token_price_usd"`
}

// MLConfig tunes the optional anomaly model.
type MLConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Trees           int     `mapstructure:"trees"`
	SampleSize      int     `mapstructure:"sample_size"`
	Contamination   float64 `mapstructure:"contamination"`
	Seed            int64   `mapstructure:"seed"`
	MinTrainSamples int     `mapstructure:"min_train_samples"`
	RefitEvery      int     `mapstructure:"refit_every"`
}

// SchedulerConfig governs the three monitor cadences.
type SchedulerConfig struct {
	VaultInterval       time.Duration `mapstructure:"vault_interval"`
	OracleInterval      time.Duration `mapstructure:"oracle_interval"`
	LiquidationInterval time.Duration `mapstructure:"liquidation_interval"`
	AlignToInterval     bool          `mapstructure:"align_to_interval"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines alert routing and gating.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Discord     DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DiscordConfig describes Discord webhook delivery.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

// StorageConfig controls the JSONL observation capture. Empty CapturePath
// disables capture.
type StorageConfig struct {
	CapturePath string `mapstructure:"capture_path"`
}

// MetricsConfig controls the Prometheus endpoint. Empty ListenAddr
// disables the listener; metrics are still registered.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	// Pick up a local .env before viper reads the environment.
	// Absence is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("HLSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hlsentry")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("hyperliquid.api_url", "https://api.hyperliquid.xyz")
	v.SetDefault("hyperliquid.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("hyperliquid.request_timeout", "10s")
	v.SetDefault("hyperliquid.user_agent", "hlsentry/1.0")
	v.SetDefault("hyperliquid.rate_limit_rps", 5.0)

	v.SetDefault("sources.binance.enabled", true)
	v.SetDefault("sources.binance.base_url", "https://api.binance.com")
	v.SetDefault("sources.binance.request_timeout", "10s")
	v.SetDefault("sources.coinbase.enabled", true)
	v.SetDefault("sources.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("sources.coinbase.request_timeout", "10s")
	v.SetDefault("sources.assets", defaultAssetMappings())

	v.SetDefault("vault.addresses", []string{"0xdfc24b077bc1425ad1dea75bcb6f8158e10df303"})
	v.SetDefault("vault.name", "HLP")
	v.SetDefault("vault.critical_loss_usd", 2_000_000.0)
	v.SetDefault("vault.high_loss_usd", 1_000_000.0)
	v.SetDefault("vault.sigma_threshold", 3.0)
	v.SetDefault("vault.drawdown_critical_pct", 10.0)
	v.SetDefault("vault.unhealthy_score", 70.0)
	v.SetDefault("vault.history_limit", 1000)

	v.SetDefault("oracle.warning_pct", 0.3)
	v.SetDefault("oracle.danger_pct", 0.5)
	v.SetDefault("oracle.critical_pct", 1.0)
	v.SetDefault("oracle.sustained_duration", "30s")

	v.SetDefault("liquidation.flash_window", "10s")
	v.SetDefault("liquidation.flash_min_total_usd", 500_000.0)
	v.SetDefault("liquidation.cascade_min_events", 5)
	v.SetDefault("liquidation.cascade_window", "5m")
	v.SetDefault("liquidation.cascade_decline_frac", 0.7)
	v.SetDefault("liquidation.coordinated_min_hits", 3)
	v.SetDefault("liquidation.coordinated_min_usd", 1_000_000.0)
	v.SetDefault("liquidation.retention", "1h")
	v.SetDefault("liquidation.suspicion_threshold", 70.0)
	v.SetDefault("liquidation.token_price_usd", 1.0)

	v.SetDefault("ml.enabled", true)
	v.SetDefault("ml.trees", 100)
	v.SetDefault("ml.sample_size", 256)
	v.SetDefault("ml.contamination", 0.05)
	v.SetDefault("ml.seed", int64(42))
	v.SetDefault("ml.min_train_samples", 10)
	v.SetDefault("ml.refit_every", 50)

	v.SetDefault("scheduler.vault_interval", "5m")
	v.SetDefault("scheduler.oracle_interval", "1m")
	v.SetDefault("scheduler.liquidation_interval", "3m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.username", "hlsentry")

	v.SetDefault("storage.capture_path", "")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.path", "/metrics")
}

func defaultAssetMappings() []map[string]string {
	return []map[string]string{
		{"symbol": "BTC", "binance": "BTCUSDT", "coinbase": "BTC-USD"},
		{"symbol": "ETH", "binance": "ETHUSDT", "coinbase": "ETH-USD"},
		{"symbol": "SOL", "binance": "SOLUSDT", "coinbase": "SOL-USD"},
		{"symbol": "MATIC", "binance": "MATICUSDT", "coinbase": "MATIC-USD"},
		{"symbol": "ARB", "binance": "ARBUSDT", "coinbase": "ARB-USD"},
		{"symbol": "OP", "binance": "OPUSDT", "coinbase": "OP-USD"},
		{"symbol": "AVAX", "binance": "AVAXUSDT", "coinbase": "AVAX-USD"},
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(c.Vault.Addresses) == 0 {
		return fmt.Errorf("vault.addresses must list at least one vault")
	}
	if c.Vault.CriticalLossUSD <= 0 || c.Vault.HighLossUSD <= 0 {
		return fmt.Errorf("vault loss thresholds must be greater than zero")
	}
	if c.Vault.HighLossUSD > c.Vault.CriticalLossUSD {
		return fmt.Errorf("vault.high_loss_usd cannot exceed vault.critical_loss_usd")
	}
	if c.Oracle.WarningPct <= 0 || c.Oracle.DangerPct <= 0 || c.Oracle.CriticalPct <= 0 {
		return fmt.Errorf("oracle thresholds must be greater than zero")
	}
	if !(c.Oracle.WarningPct <= c.Oracle.DangerPct && c.Oracle.DangerPct <= c.Oracle.CriticalPct) {
		return fmt.Errorf("oracle thresholds must be ordered warning <= danger <= critical")
	}
	if c.Liquidation.FlashWindow <= 0 {
		return fmt.Errorf("liquidation.flash_window must be greater than zero")
	}
	if c.Liquidation.CascadeDeclineFrac <= 0 || c.Liquidation.CascadeDeclineFrac > 1 {
		return fmt.Errorf("liquidation.cascade_decline_frac must be in (0, 1]")
	}
	if c.Scheduler.VaultInterval <= 0 || c.Scheduler.OracleInterval <= 0 || c.Scheduler.LiquidationInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Alerting.Enabled {
		if _, err := security.ParseSeverity(c.Alerting.MinSeverity); err != nil {
			return fmt.Errorf("alerting.min_severity: %w", err)
		}
		if c.Alerting.Telegram.Enabled {
			if c.Alerting.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token is required")
			}
			if c.Alerting.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.chat_id is required")
			}
		}
		if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
			return fmt.Errorf("alerting.discord.webhook_url is required")
		}
	}
	return nil
}
