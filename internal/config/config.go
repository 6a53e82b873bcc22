// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig   `mapstructure:"trading"`
	Risk        RiskLimits      `mapstructure:"risk"`
	Strategy    StrategyConfig  `mapstructure:"strategy"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Feed        FeedConfig      `mapstructure:"feed"`
	Backtest    BacktestConfig  `mapstructure:"backtest"`
	Credentials Credentials     `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode     string `mapstructure:"mode"`  // "live", "backtest"
	Index    string `mapstructure:"index"` // NIFTY, SENSEX
	Lots     int    `mapstructure:"lots"`
	Expiry   string `mapstructure:"expiry"` // e.g. "27NOV2025"; empty = auto next expiry
	RiskFree float64 `mapstructure:"risk_free_rate"`
}

// RiskLimits holds risk management configuration. Read-only at runtime.
type RiskLimits struct {
	MaxLossPerPosition float64 `mapstructure:"max_loss_per_position"`
	MaxPositions       int     `mapstructure:"max_positions"`
	StopLossPct        float64 `mapstructure:"stop_loss_pct"` // fraction of max loss
	TakeProfit         float64 `mapstructure:"take_profit"`   // absolute INR, 0 disables
	HedgeTriggerDelta  float64 `mapstructure:"hedge_trigger_delta"`
	ShortLegStopMult   float64 `mapstructure:"short_leg_stop_mult"` // LTP >= entry * mult, 0 disables
	FeedStaleAfter     time.Duration `mapstructure:"feed_stale_after"`
}

// StrategyConfig holds Iron Condor strategy parameters.
type StrategyConfig struct {
	StrikeMode        string        `mapstructure:"strike_mode"` // "delta", "offset"
	ShortDeltaTarget  float64       `mapstructure:"short_delta_target"`
	ShortDeltaBand    float64       `mapstructure:"short_delta_band"`
	WingWidthSteps    int           `mapstructure:"wing_width_steps"`
	OffsetPoints      int           `mapstructure:"offset_points"` // offset mode: distance from spot
	EntryIVRankMin    float64       `mapstructure:"entry_iv_rank_min"`
	MinDaysToExpiry   float64       `mapstructure:"min_days_to_expiry"`
	EntryAfter        string        `mapstructure:"entry_after"`  // "09:30" IST
	EntryBefore       string        `mapstructure:"entry_before"` // "14:00" IST
	ExitBeforeExpiry  time.Duration `mapstructure:"exit_before_expiry"`
	EODExit           string        `mapstructure:"eod_exit"` // "14:50" IST
	UseVWAPFilter     bool          `mapstructure:"use_vwap_filter"`
	RollRetryBudget   int           `mapstructure:"roll_retry_budget"`
	RollSteps         int           `mapstructure:"roll_steps"` // strikes to roll a breached leg
}

// ExecutionConfig holds order execution configuration.
type ExecutionConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Slippage      float64       `mapstructure:"slippage"` // simulated fills only
}

// FeedConfig holds market data feed configuration.
type FeedConfig struct {
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	HeartbeatEvery time.Duration `mapstructure:"heartbeat_every"`
}

// BacktestConfig holds backtest configuration.
type BacktestConfig struct {
	Date         string  `mapstructure:"date"` // YYYY-MM-DD
	BarInterval  string  `mapstructure:"bar_interval"`
	Slippage     float64 `mapstructure:"slippage"`
	LatencyTicks int     `mapstructure:"latency_ticks"`
}

// Credentials holds Angel One SmartAPI credentials.
type Credentials struct {
	Angel AngelCredentials `mapstructure:"angel"`
}

// AngelCredentials holds SmartAPI credentials for login and feed auth.
type AngelCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	ClientID   string `mapstructure:"client_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/angel-quant"
	}
	return filepath.Join(home, ".config", "angel-quant")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if terr := createTemplateConfig(configDir); terr != nil {
				return terr
			}
			// Proceed with defaults on first run
			return v.Unmarshal(target)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "backtest")
	v.SetDefault("trading.index", "NIFTY")
	v.SetDefault("trading.lots", 1)
	v.SetDefault("trading.risk_free_rate", 0.065)

	v.SetDefault("risk.max_loss_per_position", 4000.0)
	v.SetDefault("risk.max_positions", 1)
	v.SetDefault("risk.stop_loss_pct", 0.5)
	v.SetDefault("risk.take_profit", 0.0)
	v.SetDefault("risk.hedge_trigger_delta", 0.30)
	v.SetDefault("risk.short_leg_stop_mult", 1.70)
	v.SetDefault("risk.feed_stale_after", "30s")

	v.SetDefault("strategy.strike_mode", "delta")
	v.SetDefault("strategy.short_delta_target", 0.15)
	v.SetDefault("strategy.short_delta_band", 0.05)
	v.SetDefault("strategy.wing_width_steps", 4)
	v.SetDefault("strategy.offset_points", 100)
	v.SetDefault("strategy.entry_iv_rank_min", 50.0)
	v.SetDefault("strategy.min_days_to_expiry", 1.0)
	v.SetDefault("strategy.entry_after", "09:30")
	v.SetDefault("strategy.entry_before", "14:00")
	v.SetDefault("strategy.exit_before_expiry", "40m")
	v.SetDefault("strategy.eod_exit", "14:50")
	v.SetDefault("strategy.use_vwap_filter", false)
	v.SetDefault("strategy.roll_retry_budget", 3)
	v.SetDefault("strategy.roll_steps", 2)

	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.ack_timeout", "10s")
	v.SetDefault("execution.retry_base_wait", "1s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.slippage", 0.0)

	v.SetDefault("feed.max_reconnects", 5)
	v.SetDefault("feed.reconnect_base", "1s")
	v.SetDefault("feed.heartbeat_every", "25s")

	v.SetDefault("backtest.bar_interval", "ONE_MINUTE")
	v.SetDefault("backtest.slippage", 0.05)
	v.SetDefault("backtest.latency_ticks", 0)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		cfg.Credentials.Angel.APIKey = v
	}
	if v := os.Getenv("ANGEL_CLIENT_ID"); v != "" {
		cfg.Credentials.Angel.ClientID = v
	}
	if v := os.Getenv("ANGEL_PASSWORD"); v != "" {
		cfg.Credentials.Angel.Password = v
	}
	if v := os.Getenv("ANGEL_TOTP_SECRET"); v != "" {
		cfg.Credentials.Angel.TOTPSecret = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration. Invalid configuration is fatal at
// startup and never surfaces at runtime.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "backtest" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'backtest')", c.Trading.Mode)
	}
	if c.Trading.Index != "NIFTY" && c.Trading.Index != "SENSEX" {
		return fmt.Errorf("invalid index: %s (must be NIFTY or SENSEX)", c.Trading.Index)
	}
	if c.Trading.Lots <= 0 {
		return fmt.Errorf("lots must be positive")
	}
	if c.Risk.MaxLossPerPosition <= 0 {
		return fmt.Errorf("max_loss_per_position must be positive")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct > 1 {
		return fmt.Errorf("stop_loss_pct must be in (0, 1]")
	}
	if c.Risk.HedgeTriggerDelta <= 0 || c.Risk.HedgeTriggerDelta >= 1 {
		return fmt.Errorf("hedge_trigger_delta must be in (0, 1)")
	}
	if c.Strategy.StrikeMode != "delta" && c.Strategy.StrikeMode != "offset" {
		return fmt.Errorf("invalid strike_mode: %s (must be 'delta' or 'offset')", c.Strategy.StrikeMode)
	}
	if c.Strategy.WingWidthSteps <= 0 {
		return fmt.Errorf("wing_width_steps must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if _, err := ParseClock(c.Strategy.EntryAfter); err != nil {
		return fmt.Errorf("invalid entry_after: %w", err)
	}
	if _, err := ParseClock(c.Strategy.EntryBefore); err != nil {
		return fmt.Errorf("invalid entry_before: %w", err)
	}
	if _, err := ParseClock(c.Strategy.EODExit); err != nil {
		return fmt.Errorf("invalid eod_exit: %w", err)
	}
	return nil
}

// IsLive returns true if live trading mode is enabled.
func (c *Config) IsLive() bool {
	return c.Trading.Mode == "live"
}

// Clock is a time-of-day in the exchange timezone.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses a "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return c, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return c, fmt.Errorf("invalid clock %q", s)
	}
	return c, nil
}

// Minutes returns the clock as minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}
