package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type TradingHours struct {
	MarketOpen       string   `yaml:"market_open"`        // "09:00"
	MarketClose      string   `yaml:"market_close"`       // "15:30"
	ClosingCallStart string   `yaml:"closing_call_start"` // "15:20"
	Holidays         []string `yaml:"holidays"`           // "2026-01-01", ...
}

type API struct {
	BaseURL struct {
		Live  string `yaml:"live"`
		Paper string `yaml:"paper"`
	} `yaml:"base_url"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

type RateLimit struct {
	MaxCalls      int     `yaml:"max_calls"`
	PeriodSeconds float64 `yaml:"period_seconds"`
}

type RiskManagement struct {
	MaxOrderValueKRW        float64 `yaml:"max_order_value_krw"`
	MaxDailyOrderValueKRW   float64 `yaml:"max_daily_order_value_krw"`
	MaxDailyRealizedLossKRW float64 `yaml:"max_daily_realized_loss_krw"`
	EmergencyStop           bool    `yaml:"emergency_stop"`
	HaltOnError             bool    `yaml:"halt_on_error"`
}

type Engine struct {
	LoopIntervalSeconds     int    `yaml:"trading_loop_interval_seconds"`
	FillPollIntervalSeconds int    `yaml:"fill_poll_interval_seconds"`
	WakeUpTime              string `yaml:"wake_up_time"` // "08:50"
	HistoricalDays          int    `yaml:"historical_days"`
}

type Paths struct {
	OutboxPath   string `yaml:"outbox_path"`
	ReportDBPath string `yaml:"report_db_path"`
}

type Root struct {
	PaperTrading     bool           `yaml:"paper_trading"`
	Debug            bool           `yaml:"debug"`
	TradingHours     TradingHours   `yaml:"trading_hours"`
	API              API            `yaml:"api"`
	RateLimitLive    RateLimit      `yaml:"rate_limit_live"`
	RateLimitPaper   RateLimit      `yaml:"rate_limit_paper"`
	Risk             RiskManagement `yaml:"risk_management"`
	Engine           Engine         `yaml:"engine"`
	Paths            Paths          `yaml:"paths"`
	ActiveStrategies []string       `yaml:"active_strategies"`
	IdempotencySecs  int            `yaml:"idempotency_window_seconds"`
}

// Load reads and validates the yaml config. Session times are required: a
// clock with defaulted hours could trade outside the venue's session, so a
// missing trading_hours block is a construction failure, not a fallback.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.TradingHours.MarketOpen == "" || c.TradingHours.MarketClose == "" || c.TradingHours.ClosingCallStart == "" {
		return c, fmt.Errorf("trading_hours.market_open, market_close and closing_call_start are required")
	}

	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 10
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 5
	}
	if c.RateLimitLive.MaxCalls == 0 {
		c.RateLimitLive = RateLimit{MaxCalls: 20, PeriodSeconds: 1.0}
	}
	if c.RateLimitPaper.MaxCalls == 0 {
		c.RateLimitPaper = RateLimit{MaxCalls: 5, PeriodSeconds: 1.0}
	}
	if c.Engine.LoopIntervalSeconds == 0 {
		c.Engine.LoopIntervalSeconds = 60
	}
	if c.Engine.FillPollIntervalSeconds == 0 {
		c.Engine.FillPollIntervalSeconds = 15
	}
	if c.Engine.WakeUpTime == "" {
		c.Engine.WakeUpTime = "08:50"
	}
	if c.Engine.HistoricalDays == 0 {
		c.Engine.HistoricalDays = 60
	}
	if c.Paths.OutboxPath == "" {
		c.Paths.OutboxPath = "data/outbox.jsonl"
	}
	if c.Paths.ReportDBPath == "" {
		c.Paths.ReportDBPath = "data/daily_summary.db"
	}
	if c.IdempotencySecs == 0 {
		c.IdempotencySecs = 60
	}

	return c, nil
}
