package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WatchlistEntry is a user-maintained universe row for the scheduled strategy.
type WatchlistEntry struct {
	Code           string  `yaml:"code"`
	Name           string  `yaml:"name"`
	ReferencePrice float64 `yaml:"reference_price"`
	MarketCap      float64 `yaml:"market_cap"`
}

type Config struct {
	Modes    []string `yaml:"modes"`    // MOCK and/or REAL
	Strategy string   `yaml:"strategy"` // GAP_MOMENTUM or SCHEDULED

	Universe struct {
		Source          string           `yaml:"source"` // BARS or WATCHLIST
		UpperLimitRate  float64          `yaml:"upper_limit_rate"`  // prior-day gain to qualify (%)
		MinMarketCap    float64          `yaml:"min_market_cap"`    // 억원
		MinTradingValue float64          `yaml:"min_trading_value"` // 억원
		Watchlist       []WatchlistEntry `yaml:"watchlist"`
	} `yaml:"universe"`

	Entry struct {
		GapMinPct         float64 `yaml:"gap_min_pct"`
		GapMaxPct         float64 `yaml:"gap_max_pct"`
		ConfirmCount      int     `yaml:"confirm_count"`
		ToleranceRate     float64 `yaml:"tolerance_rate"` // pullback band around prev close (%)
		MaxRisePct        float64 `yaml:"max_rise_pct"`   // give up entry above this run-up
		PricePolicy       string  `yaml:"price_policy"`   // PREV_CLOSE, OPEN or ASK_SLIPPAGE
		SlippageTicks     int     `yaml:"slippage_ticks"`
		CancelTime        string  `yaml:"cancel_time"` // HH:MM, unfilled entry cancelled after this
		PendingTimeoutSec int     `yaml:"pending_timeout_sec"`
	} `yaml:"entry"`

	Exit struct {
		TakeProfitPct float64 `yaml:"take_profit_pct"`
		StopLossPct   float64 `yaml:"stop_loss_pct"` // negative
	} `yaml:"exit"`

	Risk struct {
		MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"` // negative floor on daily P&L
		MaxPositions    int     `yaml:"max_positions"`
		OrderRetryCount int     `yaml:"order_retry_count"`
	} `yaml:"risk"`

	MarketFilter struct {
		Enabled bool   `yaml:"enabled"`
		MADays  int    `yaml:"ma_days"`
		OnError string `yaml:"on_error"` // ALLOW or BLOCK
	} `yaml:"market_filter"`

	Session struct {
		PreparingStart string `yaml:"preparing_start"` // HH:MM
		Open           string `yaml:"open"`
		EntryEnd       string `yaml:"entry_end"`
		EODStart       string `yaml:"eod_start"`
		Close          string `yaml:"close"`
	} `yaml:"session"`

	Broker struct {
		RequestTimeoutSec int     `yaml:"request_timeout_sec"`
		RatePerSec        float64 `yaml:"rate_per_sec"` // REST call budget
	} `yaml:"broker"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	Notify struct {
		NtfyTopicURL string `yaml:"ntfy_topic_url"`
	} `yaml:"notify"`
}

func (c *Config) Validate() error {
	for _, m := range c.Modes {
		if m != "MOCK" && m != "REAL" {
			return fmt.Errorf("invalid mode '%s': must be 'MOCK' or 'REAL'", m)
		}
	}
	if c.Strategy != "GAP_MOMENTUM" && c.Strategy != "SCHEDULED" {
		return fmt.Errorf("invalid strategy '%s': must be 'GAP_MOMENTUM' or 'SCHEDULED'", c.Strategy)
	}
	if c.Universe.Source != "BARS" && c.Universe.Source != "WATCHLIST" {
		return fmt.Errorf("universe.source must be 'BARS' or 'WATCHLIST', got '%s'", c.Universe.Source)
	}
	if c.Entry.GapMinPct > c.Entry.GapMaxPct {
		return fmt.Errorf("entry.gap_min_pct (%.2f) must not exceed entry.gap_max_pct (%.2f)", c.Entry.GapMinPct, c.Entry.GapMaxPct)
	}
	if c.Entry.ConfirmCount < 1 {
		return fmt.Errorf("entry.confirm_count must be >= 1, got %d", c.Entry.ConfirmCount)
	}
	if p := c.Entry.PricePolicy; p != "PREV_CLOSE" && p != "OPEN" && p != "ASK_SLIPPAGE" {
		return fmt.Errorf("entry.price_policy must be 'PREV_CLOSE', 'OPEN' or 'ASK_SLIPPAGE', got '%s'", p)
	}
	if c.Exit.StopLossPct >= 0 {
		return fmt.Errorf("exit.stop_loss_pct must be negative, got %.2f", c.Exit.StopLossPct)
	}
	if c.Risk.MaxDailyLossPct >= 0 {
		return fmt.Errorf("risk.max_daily_loss_pct must be negative, got %.2f", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions must be >= 1, got %d", c.Risk.MaxPositions)
	}
	if o := c.MarketFilter.OnError; o != "ALLOW" && o != "BLOCK" {
		return fmt.Errorf("market_filter.on_error must be 'ALLOW' or 'BLOCK', got '%s'", o)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with the strategy's stock parameters.
func (c *Config) ApplyDefaults() {
	if len(c.Modes) == 0 {
		c.Modes = []string{"MOCK"}
	}
	if c.Strategy == "" {
		c.Strategy = "GAP_MOMENTUM"
	}
	if c.Universe.Source == "" {
		c.Universe.Source = "BARS"
	}
	if c.Universe.UpperLimitRate == 0 {
		c.Universe.UpperLimitRate = 29.5
	}
	if c.Universe.MinMarketCap == 0 {
		c.Universe.MinMarketCap = 1000
	}
	if c.Universe.MinTradingValue == 0 {
		c.Universe.MinTradingValue = 300
	}
	if c.Entry.GapMinPct == 0 {
		c.Entry.GapMinPct = 2.0
	}
	if c.Entry.GapMaxPct == 0 {
		c.Entry.GapMaxPct = 5.0
	}
	if c.Entry.ConfirmCount == 0 {
		c.Entry.ConfirmCount = 2
	}
	if c.Entry.ToleranceRate == 0 {
		c.Entry.ToleranceRate = 0.3
	}
	if c.Entry.MaxRisePct == 0 {
		c.Entry.MaxRisePct = 8.0
	}
	if c.Entry.PricePolicy == "" {
		c.Entry.PricePolicy = "PREV_CLOSE"
	}
	if c.Entry.SlippageTicks == 0 {
		c.Entry.SlippageTicks = 2
	}
	if c.Entry.CancelTime == "" {
		c.Entry.CancelTime = "09:30"
	}
	if c.Entry.PendingTimeoutSec == 0 {
		c.Entry.PendingTimeoutSec = 60
	}
	if c.Exit.TakeProfitPct == 0 {
		c.Exit.TakeProfitPct = 10.0
	}
	if c.Exit.StopLossPct == 0 {
		c.Exit.StopLossPct = -4.0
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = -5.0
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 5
	}
	if c.Risk.OrderRetryCount == 0 {
		c.Risk.OrderRetryCount = 3
	}
	if c.MarketFilter.MADays == 0 {
		c.MarketFilter.MADays = 5
	}
	if c.MarketFilter.OnError == "" {
		c.MarketFilter.OnError = "ALLOW"
	}
	if c.Session.PreparingStart == "" {
		c.Session.PreparingStart = "08:40"
	}
	if c.Session.Open == "" {
		c.Session.Open = "09:00"
	}
	if c.Session.EntryEnd == "" {
		c.Session.EntryEnd = "09:03"
	}
	if c.Session.EODStart == "" {
		c.Session.EODStart = "15:20"
	}
	if c.Session.Close == "" {
		c.Session.Close = "15:28"
	}
	if c.Broker.RequestTimeoutSec == 0 {
		c.Broker.RequestTimeoutSec = 10
	}
	if c.Broker.RatePerSec == 0 {
		c.Broker.RatePerSec = 10
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "mystock.db"
	}
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
