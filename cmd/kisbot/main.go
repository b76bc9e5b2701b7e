package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kisbot/internal/config"
	"kisbot/internal/engine"
	"kisbot/internal/kis"
	"kisbot/internal/marketclock"
	"kisbot/internal/observ"
	"kisbot/internal/order"
	"kisbot/internal/outbox"
	"kisbot/internal/portfolio"
	"kisbot/internal/ratelimit"
	"kisbot/internal/report"
	"kisbot/internal/strategy"
)

// credentials come from the environment, never from the yaml config.
type credentials struct {
	appKey    string
	appSecret string
	accountNo string
}

func loadCredentials() (credentials, error) {
	c := credentials{
		appKey:    os.Getenv("KIS_APP_KEY"),
		appSecret: os.Getenv("KIS_APP_SECRET"),
		accountNo: os.Getenv("KIS_ACCOUNT_NO"),
	}
	if c.appKey == "" || c.appSecret == "" || c.accountNo == "" {
		return c, fmt.Errorf("KIS_APP_KEY, KIS_APP_SECRET and KIS_ACCOUNT_NO must be set")
	}
	return c, nil
}

func main() {
	var cfgPath string
	var envPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "dotenv path with KIS credentials")
	flag.Parse()

	// Missing .env is fine when the variables are already exported.
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load %s: %v", envPath, err)
	}

	creds, err := loadCredentials()
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	observ.SetDebug(cfg.Debug)

	clock, err := marketclock.New(cfg.TradingHours)
	if err != nil {
		log.Fatalf("market clock: %v", err)
	}

	baseURL := cfg.API.BaseURL.Live
	rl := cfg.RateLimitLive
	if cfg.PaperTrading {
		baseURL = cfg.API.BaseURL.Paper
		rl = cfg.RateLimitPaper
	}
	limiter := ratelimit.New("kis", rl.MaxCalls, time.Duration(rl.PeriodSeconds*float64(time.Second)))

	client := kis.NewClient(kis.ClientConfig{
		BaseURL:    baseURL,
		AppKey:     creds.appKey,
		AppSecret:  creds.appSecret,
		AccountNo:  creds.accountNo,
		Paper:      cfg.PaperTrading,
		Timeout:    time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.API.MaxRetries,
	}, limiter)
	md := kis.NewMarketData(client, 2)
	trading := kis.NewTrading(client, md, kis.RiskConfig{
		MaxOrderValueKRW:        cfg.Risk.MaxOrderValueKRW,
		MaxDailyOrderValueKRW:   cfg.Risk.MaxDailyOrderValueKRW,
		MaxDailyRealizedLossKRW: cfg.Risk.MaxDailyRealizedLossKRW,
		EmergencyStop:           cfg.Risk.EmergencyStop,
		HaltOnError:             cfg.Risk.HaltOnError,
	})

	observ.Log("startup", map[string]any{
		"paper_trading": cfg.PaperTrading,
		"base_url":      baseURL,
		"strategies":    cfg.ActiveStrategies,
		"rate_limit":    fmt.Sprintf("%d/%gs", rl.MaxCalls, rl.PeriodSeconds),
	})

	ctx := context.Background()

	// The broker is the source of truth at startup: seed cash and positions
	// from the account. Broker positions we cannot attribute to a strategy
	// are tagged so the engine liquidates them at the open.
	bal, err := trading.Balance(ctx)
	if err != nil {
		log.Fatalf("startup balance: %v", err)
	}
	ledger := portfolio.New(bal.Cash)
	for _, p := range bal.Positions {
		ledger.SeedPosition(portfolio.Position{
			Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice,
			StrategyID: portfolio.StartupOrphan,
		})
		observ.Log("startup_position_seeded", map[string]any{
			"symbol": p.Symbol, "quantity": p.Quantity, "avg_price": p.AvgPrice,
		})
	}
	observ.Log("startup_balance", map[string]any{"cash_krw": bal.Cash, "positions": len(bal.Positions)})

	box, err := outbox.New(cfg.Paths.OutboxPath)
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}

	strategies, err := strategy.Build(cfg.ActiveStrategies)
	if err != nil {
		log.Fatalf("strategies: %v", err)
	}

	mgr := order.NewManager(clock, ledger, trading, md, box,
		time.Duration(cfg.IdempotencySecs)*time.Second)

	store, err := report.NewStore(cfg.Paths.ReportDBPath)
	if err != nil {
		log.Fatalf("report store: %v", err)
	}
	defer store.Close()
	reporter := report.NewRunner(box, ledger, store)

	eng, err := engine.New(engine.Config{
		LoopInterval:     time.Duration(cfg.Engine.LoopIntervalSeconds) * time.Second,
		FillPollInterval: time.Duration(cfg.Engine.FillPollIntervalSeconds) * time.Second,
		WakeUpTime:       cfg.Engine.WakeUpTime,
		HistoricalDays:   cfg.Engine.HistoricalDays,
	}, clock, ledger, mgr, trading, md, strategies, reporter.Run)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		observ.Log("shutdown_signal", map[string]any{"signal": sig.String()})
		eng.Stop()
	}()

	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
