// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/strategy"
)

const (
	defaultScanInterval   = "30s"
	defaultTimezone       = "America/Chicago"
	defaultFillTimeout    = "45s"
	defaultQuoteFreshness = "10s"
	defaultStoragePath    = "data/positions.json"
	defaultDashboardPort  = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Symbol      SymbolConfig      `yaml:"symbol"`
	Strategies  StrategiesConfig  `yaml:"strategies"`
	Orders      OrdersConfig      `yaml:"orders"`
	Risk        risk.Limits       `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker and market data endpoints.
type BrokerConfig struct {
	FeedURL    string  `yaml:"feed_url"` // websocket market data endpoint
	APIKey     string  `yaml:"api_key"`
	AccountID  string  `yaml:"account_id"`
	Balance    float64 `yaml:"paper_balance"`     // paper mode starting balance
	StartPrice float64 `yaml:"paper_start_price"` // paper mode initial underlying price
}

// ScheduleConfig defines the scan cadence and trading window.
type ScheduleConfig struct {
	ScanInterval string `yaml:"scan_interval"`
	Timezone     string `yaml:"timezone"`
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
}

// SymbolConfig defines the traded underlying's contract terms.
type SymbolConfig struct {
	Symbol         string  `yaml:"symbol"`
	Multiplier     float64 `yaml:"multiplier"`      // dollars per point
	StrikeInterval float64 `yaml:"strike_interval"` // points between listed strikes
	Tick           float64 `yaml:"tick"`            // minimum premium increment
}

// StrategiesConfig holds the per-strategy blocks.
type StrategiesConfig struct {
	Condor    CondorConfig    `yaml:"condor"`
	Butterfly ButterflyConfig `yaml:"butterfly"`
	Scalper   ScalperConfig   `yaml:"scalper"`
}

// CondorConfig defines iron condor entry parameters.
type CondorConfig struct {
	Enabled         bool    `yaml:"enabled"`
	DeltaTarget     float64 `yaml:"delta_target"`
	DeltaBand       float64 `yaml:"delta_band"`
	WingWidth       float64 `yaml:"wing_width"`
	TargetDTE       int     `yaml:"target_dte"`
	MaxBidAskSpread float64 `yaml:"max_bid_ask_spread"`
	MinIVRank       float64 `yaml:"min_iv_rank"`
	MinCredit       float64 `yaml:"min_credit"`
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	MaxContracts    int     `yaml:"max_contracts"`
}

// ButterflyConfig defines iron butterfly entry parameters.
type ButterflyConfig struct {
	Enabled         bool    `yaml:"enabled"`
	WingWidth       float64 `yaml:"wing_width"`
	TargetDTE       int     `yaml:"target_dte"`
	MaxBidAskSpread float64 `yaml:"max_bid_ask_spread"`
	MinIVRank       float64 `yaml:"min_iv_rank"`
	MaxExpectedMove float64 `yaml:"max_expected_move"`
	MinCredit       float64 `yaml:"min_credit"`
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	MaxContracts    int     `yaml:"max_contracts"`
}

// ScalperConfig defines directional scalper parameters.
type ScalperConfig struct {
	Enabled         bool    `yaml:"enabled"`
	TargetDTE       int     `yaml:"target_dte"`
	MaxBidAskSpread float64 `yaml:"max_bid_ask_spread"`
	MaxPremium      float64 `yaml:"max_premium"`
	Quantity        int     `yaml:"quantity"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	// Momentum detector overrides; zero values use the detector defaults.
	Lookback     int     `yaml:"lookback"`
	ROCThreshold float64 `yaml:"roc_threshold"`
}

// OrdersConfig defines order construction and lifecycle settings.
type OrdersConfig struct {
	QuoteFreshness   string `yaml:"quote_freshness"`
	ImprovementTicks int    `yaml:"improvement_ticks"`
	FillTimeout      string `yaml:"fill_timeout"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP API settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Schedule.ScanInterval == "" {
		c.Schedule.ScanInterval = defaultScanInterval
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Orders.QuoteFreshness == "" {
		c.Orders.QuoteFreshness = defaultQuoteFreshness
	}
	if c.Orders.FillTimeout == "" {
		c.Orders.FillTimeout = defaultFillTimeout
	}
	if c.Orders.ImprovementTicks == 0 {
		c.Orders.ImprovementTicks = 1
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
	if c.Environment.Mode == "paper" {
		if c.Broker.Balance <= 0 {
			c.Broker.Balance = 10000
		}
		if c.Broker.StartPrice <= 0 {
			c.Broker.StartPrice = 5000
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.Mode == "live" && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required in live mode")
	}

	if c.Symbol.Symbol == "" {
		return fmt.Errorf("symbol.symbol is required")
	}
	if c.Symbol.Multiplier <= 0 {
		return fmt.Errorf("symbol.multiplier must be > 0")
	}
	if c.Symbol.StrikeInterval <= 0 {
		return fmt.Errorf("symbol.strike_interval must be > 0")
	}
	if c.Symbol.Tick <= 0 {
		return fmt.Errorf("symbol.tick must be > 0")
	}

	if !c.Strategies.Condor.Enabled && !c.Strategies.Butterfly.Enabled && !c.Strategies.Scalper.Enabled {
		return fmt.Errorf("at least one strategy must be enabled")
	}
	if cc := c.Strategies.Condor; cc.Enabled {
		if cc.DeltaTarget <= 0 || cc.DeltaTarget >= 0.5 {
			return fmt.Errorf("strategies.condor.delta_target must be in (0, 0.5)")
		}
		if cc.WingWidth <= 0 {
			return fmt.Errorf("strategies.condor.wing_width must be > 0")
		}
		if cc.RiskPerTrade <= 0 || cc.RiskPerTrade > 1 {
			return fmt.Errorf("strategies.condor.risk_per_trade must be in (0, 1]")
		}
	}
	if bc := c.Strategies.Butterfly; bc.Enabled {
		if bc.WingWidth <= 0 {
			return fmt.Errorf("strategies.butterfly.wing_width must be > 0")
		}
		if bc.MaxExpectedMove <= 0 {
			return fmt.Errorf("strategies.butterfly.max_expected_move must be > 0")
		}
		if bc.RiskPerTrade <= 0 || bc.RiskPerTrade > 1 {
			return fmt.Errorf("strategies.butterfly.risk_per_trade must be in (0, 1]")
		}
	}
	if sc := c.Strategies.Scalper; sc.Enabled {
		if sc.Quantity <= 0 {
			return fmt.Errorf("strategies.scalper.quantity must be > 0")
		}
		if sc.MaxTradesPerDay <= 0 {
			return fmt.Errorf("strategies.scalper.max_trades_per_day must be > 0")
		}
	}

	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if _, err := time.ParseDuration(c.Schedule.ScanInterval); err != nil {
		return fmt.Errorf("schedule.scan_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Orders.QuoteFreshness); err != nil {
		return fmt.Errorf("orders.quote_freshness invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Orders.FillTimeout); err != nil {
		return fmt.Errorf("orders.fill_timeout invalid: %w", err)
	}
	if c.Orders.ImprovementTicks < 0 {
		return fmt.Errorf("orders.improvement_ticks must be >= 0")
	}

	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ScanInterval returns the configured entry scan interval.
func (c *Config) ScanInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.ScanInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// QuoteFreshness returns the maximum quote age for order construction.
func (c *Config) QuoteFreshness() time.Duration {
	d, err := time.ParseDuration(c.Orders.QuoteFreshness)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// FillTimeout returns how long an entry order may rest before cancellation.
func (c *Config) FillTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orders.FillTimeout)
	if err != nil {
		return 45 * time.Second
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within the configured
// trading window.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= s.Hour()*60+s.Minute() && minutes < e.Hour()*60+e.Minute()
}

func (c *Config) location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("CT", -6*60*60)
	}
	return loc
}

// CondorConfig builds the strategy-level condor configuration.
func (c *Config) CondorConfig() strategy.CondorConfig {
	cc := c.Strategies.Condor
	return strategy.CondorConfig{
		Symbol:          c.Symbol.Symbol,
		DeltaTarget:     cc.DeltaTarget,
		DeltaBand:       cc.DeltaBand,
		WingWidth:       cc.WingWidth,
		TargetDTE:       cc.TargetDTE,
		MaxBidAskSpread: cc.MaxBidAskSpread,
		MinIVRank:       cc.MinIVRank,
		MinCredit:       cc.MinCredit,
		RiskPerTrade:    cc.RiskPerTrade,
		MaxContracts:    cc.MaxContracts,
		Multiplier:      c.Symbol.Multiplier,
		StrikeInterval:  c.Symbol.StrikeInterval,
	}
}

// ButterflyConfig builds the strategy-level butterfly configuration.
func (c *Config) ButterflyConfig() strategy.ButterflyConfig {
	bc := c.Strategies.Butterfly
	return strategy.ButterflyConfig{
		Symbol:          c.Symbol.Symbol,
		WingWidth:       bc.WingWidth,
		TargetDTE:       bc.TargetDTE,
		MaxBidAskSpread: bc.MaxBidAskSpread,
		MinIVRank:       bc.MinIVRank,
		MaxExpectedMove: bc.MaxExpectedMove,
		MinCredit:       bc.MinCredit,
		RiskPerTrade:    bc.RiskPerTrade,
		MaxContracts:    bc.MaxContracts,
		Multiplier:      c.Symbol.Multiplier,
		StrikeInterval:  c.Symbol.StrikeInterval,
	}
}

// ScalperConfig builds the strategy-level scalper configuration.
func (c *Config) ScalperConfig() strategy.ScalperConfig {
	sc := c.Strategies.Scalper
	momentum := market.MomentumConfig{
		Lookback:     sc.Lookback,
		ROCThreshold: sc.ROCThreshold,
	}
	return strategy.ScalperConfig{
		Symbol:          c.Symbol.Symbol,
		Momentum:        momentum,
		TargetDTE:       sc.TargetDTE,
		MaxBidAskSpread: sc.MaxBidAskSpread,
		MaxPremium:      sc.MaxPremium,
		Quantity:        sc.Quantity,
		CooldownSeconds: sc.CooldownSeconds,
		MaxTradesPerDay: sc.MaxTradesPerDay,
		Multiplier:      c.Symbol.Multiplier,
	}
}
