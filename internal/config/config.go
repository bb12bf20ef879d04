// Package config defines all tunables for the paper-trading engine.
// Config is an immutable snapshot loaded once at startup: defaults, then an
// optional YAML file, then LADDER_* environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Config is the top-level configuration snapshot.
type Config struct {
	Mode     string  `mapstructure:"mode"`
	Debug    bool    `mapstructure:"debug"`
	Bankroll float64 `mapstructure:"bankroll"`

	// Position sizing and capacity limits.
	MaxMarketExposurePct float64 `mapstructure:"max_market_exposure_pct"`
	MaxSingleOrderPct    float64 `mapstructure:"max_single_order_pct"`
	MaxActivePositions   int     `mapstructure:"max_active_positions"`

	// Market universe.
	TopNMarkets              int      `mapstructure:"top_n_markets"`
	AllowedCategories        []string `mapstructure:"allowed_categories"`
	ExcludedCategories       []string `mapstructure:"excluded_categories"`
	SportsKeywords           []string `mapstructure:"sports_keywords"`
	MinVolume24h             float64  `mapstructure:"min_volume_24h"`
	MinLiquidity             float64  `mapstructure:"min_liquidity"`
	MaxTimeToResolutionHours float64  `mapstructure:"max_time_to_resolution_hours"`

	// Ladder entry.
	LadderLevels  []float64 `mapstructure:"ladder_levels"`
	LadderWeights []float64 `mapstructure:"ladder_weights"`
	MaxBuyPrice   float64   `mapstructure:"max_buy_price"`

	// Exits.
	TakeProfitPct                float64 `mapstructure:"take_profit_pct"`
	TakeProfitSellFraction       float64 `mapstructure:"take_profit_sell_fraction"`
	MinHoldTimeMinutes           int     `mapstructure:"min_hold_time_minutes"`
	MoonBagDropPct               float64 `mapstructure:"moon_bag_drop_pct"`
	ConsensusBreakConfirmMinutes int     `mapstructure:"consensus_break_confirm_minutes"`
	PreGameStopCooldownMinutes   int     `mapstructure:"pre_game_stop_cooldown_minutes"`
	ResolutionExitThreshold      float64 `mapstructure:"resolution_exit_threshold"`

	// Averaging down.
	MaxDCABuys        int     `mapstructure:"max_dca_buys"`
	DCAMinDrawdownPct float64 `mapstructure:"dca_min_drawdown_pct"`
	DCASizeFraction   float64 `mapstructure:"dca_size_fraction"`

	// Tail insurance.
	TailPriceThreshold float64 `mapstructure:"tail_price_threshold"`
	TailExposurePct    float64 `mapstructure:"tail_exposure_pct"`

	// Regime classification.
	VolatilityWindowMinutes      int     `mapstructure:"volatility_window_minutes"`
	VolatilityThreshold          float64 `mapstructure:"volatility_threshold"`
	LateResolutionHours          float64 `mapstructure:"late_resolution_hours"`
	LateCompressedPriceThreshold float64 `mapstructure:"late_compressed_price_threshold"`
	EarlyUncertainPriceMin       float64 `mapstructure:"early_uncertain_price_min"`
	EarlyUncertainPriceMax       float64 `mapstructure:"early_uncertain_price_max"`

	// Timers (milliseconds in config, durations in code).
	PnlSnapshotIntervalMs   int `mapstructure:"pnl_snapshot_interval_ms"`
	MarketRefreshIntervalMs int `mapstructure:"market_refresh_interval_ms"`
	WSReconnectDelayMs      int `mapstructure:"ws_reconnect_delay_ms"`
	LivePricePollMs         int `mapstructure:"live_price_poll_ms"`
	CopyTradePollMs         int `mapstructure:"copy_trade_poll_ms"`
	ResolutionCheckMs       int `mapstructure:"resolution_check_ms"`

	// Copy trading.
	CopyTradeWallets          []string `mapstructure:"copy_trade_wallets"`
	CopyTradeLotteryEnabled   bool     `mapstructure:"copy_trade_lottery_enabled"`
	CopyTradeLotteryMaxPrice  float64  `mapstructure:"copy_trade_lottery_max_price"`
	CopyTradeStandardMaxPrice float64  `mapstructure:"copy_trade_standard_max_price"`

	// Upstream endpoints.
	CatalogBaseURL string `mapstructure:"catalog_base_url"`
	ClobBaseURL    string `mapstructure:"clob_base_url"`
	DataBaseURL    string `mapstructure:"data_base_url"`
	WSMarketURL    string `mapstructure:"ws_market_url"`
	HTTPTimeoutMs  int    `mapstructure:"http_timeout_ms"`

	// Live trading credentials (unused in PAPER mode).
	ClobAPIKey       string `mapstructure:"clob_api_key"`
	ClobAPISecret    string `mapstructure:"clob_api_secret"`
	ClobPassphrase   string `mapstructure:"clob_passphrase"`
	WalletPrivateKey string `mapstructure:"wallet_private_key"`

	// Storage.
	DatabasePath string `mapstructure:"database_path"`

	// Dashboard.
	DashboardEnabled bool `mapstructure:"dashboard_enabled"`
	DashboardPort    int  `mapstructure:"dashboard_port"`

	// Telegram notifications (disabled when token is empty).
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePaper)
	v.SetDefault("debug", false)
	v.SetDefault("bankroll", 1000.0)

	v.SetDefault("max_market_exposure_pct", 0.02)
	v.SetDefault("max_single_order_pct", 0.0025)
	v.SetDefault("max_active_positions", 10)

	v.SetDefault("top_n_markets", 20)
	v.SetDefault("allowed_categories", []string{})
	v.SetDefault("excluded_categories", []string{})
	v.SetDefault("sports_keywords", []string{"nba", "nfl", "mlb", "nhl", "ufc", "soccer", "premier league"})
	v.SetDefault("min_volume_24h", 10000.0)
	v.SetDefault("min_liquidity", 5000.0)
	v.SetDefault("max_time_to_resolution_hours", 72.0)

	v.SetDefault("ladder_levels", []float64{0.60, 0.70, 0.80, 0.90, 0.95})
	v.SetDefault("ladder_weights", []float64{0.10, 0.15, 0.25, 0.25, 0.25})
	v.SetDefault("max_buy_price", 0.92)

	v.SetDefault("take_profit_pct", 0.14)
	v.SetDefault("take_profit_sell_fraction", 0.75)
	v.SetDefault("min_hold_time_minutes", 0)
	v.SetDefault("moon_bag_drop_pct", 0.05)
	v.SetDefault("consensus_break_confirm_minutes", 5)
	v.SetDefault("pre_game_stop_cooldown_minutes", 240)
	v.SetDefault("resolution_exit_threshold", 0.95)

	v.SetDefault("max_dca_buys", 2)
	v.SetDefault("dca_min_drawdown_pct", 0.05)
	v.SetDefault("dca_size_fraction", 0.15)

	v.SetDefault("tail_price_threshold", 0.05)
	v.SetDefault("tail_exposure_pct", 0.002)

	v.SetDefault("volatility_window_minutes", 30)
	v.SetDefault("volatility_threshold", 0.05)
	v.SetDefault("late_resolution_hours", 6.0)
	v.SetDefault("late_compressed_price_threshold", 0.85)
	v.SetDefault("early_uncertain_price_min", 0.45)
	v.SetDefault("early_uncertain_price_max", 0.55)

	v.SetDefault("pnl_snapshot_interval_ms", 60000)
	v.SetDefault("market_refresh_interval_ms", 600000)
	v.SetDefault("ws_reconnect_delay_ms", 1000)
	v.SetDefault("live_price_poll_ms", 2000)
	v.SetDefault("copy_trade_poll_ms", 2000)
	v.SetDefault("resolution_check_ms", 120000)

	v.SetDefault("copy_trade_wallets", []string{})
	v.SetDefault("copy_trade_lottery_enabled", true)
	v.SetDefault("copy_trade_lottery_max_price", 0.10)
	v.SetDefault("copy_trade_standard_max_price", 0.90)

	v.SetDefault("catalog_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("http_timeout_ms", 5000)

	v.SetDefault("database_path", "data/polyladder.db")

	v.SetDefault("dashboard_enabled", true)
	v.SetDefault("dashboard_port", 8080)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LADDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("mode must be %s or %s, got %q", ModePaper, ModeLive, c.Mode)
	}
	if c.Bankroll <= 0 {
		return fmt.Errorf("bankroll must be > 0")
	}
	if c.MaxMarketExposurePct <= 0 || c.MaxMarketExposurePct > 1 {
		return fmt.Errorf("max_market_exposure_pct must be in (0,1]")
	}
	if c.MaxSingleOrderPct <= 0 || c.MaxSingleOrderPct > 1 {
		return fmt.Errorf("max_single_order_pct must be in (0,1]")
	}
	if len(c.LadderLevels) == 0 || len(c.LadderLevels) != len(c.LadderWeights) {
		return fmt.Errorf("ladder_levels and ladder_weights must be non-empty and equal length")
	}
	for i := 1; i < len(c.LadderLevels); i++ {
		if c.LadderLevels[i] <= c.LadderLevels[i-1] {
			return fmt.Errorf("ladder_levels must be strictly ascending")
		}
	}
	var wsum float64
	for _, w := range c.LadderWeights {
		if w < 0 {
			return fmt.Errorf("ladder_weights must be non-negative")
		}
		wsum += w
	}
	if wsum < 0.999 || wsum > 1.001 {
		return fmt.Errorf("ladder_weights must sum to 1, got %.4f", wsum)
	}
	if c.MaxBuyPrice <= c.LadderLevels[0] || c.MaxBuyPrice > 1 {
		return fmt.Errorf("max_buy_price must be in (first ladder level, 1]")
	}
	if c.EarlyUncertainPriceMin >= c.EarlyUncertainPriceMax {
		return fmt.Errorf("early_uncertain_price_min must be < early_uncertain_price_max")
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("take_profit_pct must be > 0")
	}
	if c.TakeProfitSellFraction <= 0 || c.TakeProfitSellFraction >= 1 {
		return fmt.Errorf("take_profit_sell_fraction must be in (0,1)")
	}
	if c.Mode == ModeLive && c.WalletPrivateKey == "" && c.ClobAPIKey == "" {
		return fmt.Errorf("LIVE mode requires wallet_private_key or CLOB API credentials")
	}
	return nil
}

// FirstLadderLevel is the lowest configured rung.
func (c *Config) FirstLadderLevel() float64 { return c.LadderLevels[0] }

// Duration accessors for the millisecond-denominated tunables.

func (c *Config) PnlSnapshotInterval() time.Duration {
	return time.Duration(c.PnlSnapshotIntervalMs) * time.Millisecond
}

func (c *Config) MarketRefreshInterval() time.Duration {
	return time.Duration(c.MarketRefreshIntervalMs) * time.Millisecond
}

func (c *Config) WSReconnectDelay() time.Duration {
	return time.Duration(c.WSReconnectDelayMs) * time.Millisecond
}

func (c *Config) LivePricePollInterval() time.Duration {
	return time.Duration(c.LivePricePollMs) * time.Millisecond
}

func (c *Config) CopyTradePollInterval() time.Duration {
	return time.Duration(c.CopyTradePollMs) * time.Millisecond
}

func (c *Config) ResolutionCheckInterval() time.Duration {
	return time.Duration(c.ResolutionCheckMs) * time.Millisecond
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

func (c *Config) VolatilityWindow() time.Duration {
	return time.Duration(c.VolatilityWindowMinutes) * time.Minute
}

func (c *Config) ConsensusBreakConfirm() time.Duration {
	return time.Duration(c.ConsensusBreakConfirmMinutes) * time.Minute
}

func (c *Config) PreGameStopCooldown() time.Duration {
	return time.Duration(c.PreGameStopCooldownMinutes) * time.Minute
}

func (c *Config) MinHoldTime() time.Duration {
	return time.Duration(c.MinHoldTimeMinutes) * time.Minute
}

func (c *Config) LateResolutionWindow() time.Duration {
	return time.Duration(c.LateResolutionHours * float64(time.Hour))
}

func (c *Config) MaxTimeToResolution() time.Duration {
	return time.Duration(c.MaxTimeToResolutionHours * float64(time.Hour))
}
