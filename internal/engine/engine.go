// Package engine drives the trading day: a market-phase state machine on the
// main loop and a background poller reconciling broker fills into the ledger.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kisbot/internal/kis"
	"kisbot/internal/marketclock"
	"kisbot/internal/observ"
	"kisbot/internal/order"
	"kisbot/internal/portfolio"
	"kisbot/internal/strategy"
)

// Phase of the trading day.
type Phase string

const (
	PhasePreMarket         Phase = "PRE_MARKET"
	PhaseOpen              Phase = "OPEN"
	PhaseClosingCall       Phase = "CLOSING_CALL"
	PhasePostMarketPending Phase = "POST_MARKET_PENDING"
	PhaseOffHours          Phase = "OFF_HOURS"
)

// Liquidation signals carry this strategy id so the audit trail names their
// origin.
const liquidationStrategyID = "market_open_liquidation"

// Config tunes the engine loops.
type Config struct {
	LoopInterval     time.Duration
	FillPollInterval time.Duration
	WakeUpTime       string // "08:50"
	HistoricalDays   int
}

// PostMarketHook runs exactly once after each trading day's close.
type PostMarketHook func(ctx context.Context, day time.Time) error

// SignalHandler is the engine's downstream for generated signals and
// detected fills, satisfied by order.Manager.
type SignalHandler interface {
	ProcessSignal(ctx context.Context, sig order.Signal) error
	HandleFillUpdate(f portfolio.Fill)
}

// Engine orchestrates the day. All ledger mutation flows through the order
// manager; the engine itself only reads portfolio state.
type Engine struct {
	cfg        Config
	clock      *marketclock.Clock
	ledger     *portfolio.Ledger
	mgr        SignalHandler
	trading    *kis.Trading
	md         *kis.MarketData
	strategies []strategy.Strategy
	postMarket PostMarketHook

	dailyCache map[string][]kis.Candle
	cacheDate  string

	openLiquidationDone bool
	postMarketDone      bool
	stateDate           string

	fillMu         sync.Mutex
	processedFills map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New assembles an engine. The post-market hook may be nil.
func New(cfg Config, clock *marketclock.Clock, ledger *portfolio.Ledger, mgr SignalHandler, trading *kis.Trading, md *kis.MarketData, strategies []strategy.Strategy, postMarket PostMarketHook) (*Engine, error) {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 60 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 15 * time.Second
	}
	if cfg.WakeUpTime == "" {
		cfg.WakeUpTime = "08:50"
	}
	if _, err := time.Parse("15:04", cfg.WakeUpTime); err != nil {
		return nil, fmt.Errorf("invalid wake_up_time %q: %w", cfg.WakeUpTime, err)
	}
	if cfg.HistoricalDays <= 0 {
		cfg.HistoricalDays = 60
	}
	return &Engine{
		cfg:            cfg,
		clock:          clock,
		ledger:         ledger,
		mgr:            mgr,
		trading:        trading,
		md:             md,
		strategies:     strategies,
		postMarket:     postMarket,
		dailyCache:     make(map[string][]kis.Candle),
		processedFills: make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		now:            time.Now,
		sleep:          sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop requests a cooperative shutdown. Run returns once the main loop and
// the fill poller have both exited.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Run blocks until Stop is called or ctx is cancelled. The fill poller is
// cancelled and awaited before Run returns so no detected fill is dropped
// mid-application.
func (e *Engine) Run(ctx context.Context) error {
	pollCtx, cancelPoll := context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runFillPoller(pollCtx)
	}()

	observ.Log("engine_started", map[string]any{
		"strategies": len(e.strategies), "loop_interval_s": e.cfg.LoopInterval.Seconds(),
	})

	err := e.runTradingLoop(ctx)

	cancelPoll()
	e.wg.Wait()
	observ.Log("engine_stopped", map[string]any{})
	return err
}

// Phase classifies now against the clock and the day's post-market flag.
func (e *Engine) Phase(now time.Time) Phase {
	if !e.clock.IsTradingDay(now) {
		return PhaseOffHours
	}
	times := e.clock.MarketTimes(now)
	switch {
	case now.Before(times.Open):
		return PhasePreMarket
	case e.clock.IsClosingCall(now):
		return PhaseClosingCall
	case e.clock.IsMarketOpen(now):
		return PhaseOpen
	case !e.postMarketDone && e.stateDate == now.Format("2006-01-02"):
		return PhasePostMarketPending
	default:
		return PhaseOffHours
	}
}

func (e *Engine) runTradingLoop(ctx context.Context) error {
	for !e.stopped() {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := e.tick(ctx, e.now())
		if err := e.sleepGranular(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// sleepGranular waits d in one-second steps so a stop request is observed
// with bounded latency.
func (e *Engine) sleepGranular(ctx context.Context, d time.Duration) error {
	deadline := e.now().Add(d)
	for e.now().Before(deadline) && !e.stopped() {
		step := time.Second
		if rem := deadline.Sub(e.now()); rem < step {
			step = rem
		}
		if err := e.sleep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// tick runs one state-machine step and returns how long to wait before the
// next one.
func (e *Engine) tick(ctx context.Context, now time.Time) time.Duration {
	e.rolloverState(now)

	phase := e.Phase(now)
	observ.SetGauge("engine_phase", 1, map[string]string{"phase": string(phase)})

	switch phase {
	case PhaseOpen, PhaseClosingCall:
		e.postMarketDone = false
		// Wait out the opening auction's first minute before selling.
		if !e.openLiquidationDone && !now.Before(e.clock.MarketTimes(now).Open.Add(time.Minute)) {
			e.runOpenLiquidation(ctx, now)
			e.openLiquidationDone = true
		}
		payload := e.preparePayload(ctx, now)
		e.runStrategies(ctx, payload, phase == PhaseClosingCall)
		return e.cfg.LoopInterval

	case PhasePostMarketPending:
		e.runPostMarket(ctx, now)
		e.postMarketDone = true
		return e.untilNextWakeUp(now)

	case PhasePreMarket:
		times := e.clock.MarketTimes(now)
		return times.Open.Sub(now)

	default: // OFF_HOURS
		return e.untilNextWakeUp(now)
	}
}

// rolloverState resets per-day flags and the candle cache on date change.
func (e *Engine) rolloverState(now time.Time) {
	today := now.Format("2006-01-02")
	if e.stateDate == today {
		return
	}
	if e.stateDate != "" {
		observ.Log("engine_day_rollover", map[string]any{"from": e.stateDate, "to": today})
	}
	e.stateDate = today
	e.openLiquidationDone = false
	e.postMarketDone = false
	e.dailyCache = make(map[string][]kis.Candle)
	e.cacheDate = today
}

// runOpenLiquidation sells out positions that must not survive into the new
// session: holdings from closing-price strategies and broker positions of
// unknown origin seeded at startup.
func (e *Engine) runOpenLiquidation(ctx context.Context, now time.Time) {
	for symbol, pos := range e.ledger.Positions() {
		if !strings.Contains(pos.StrategyID, "closing_price") && pos.StrategyID != portfolio.StartupOrphan {
			continue
		}
		observ.Log("market_open_liquidation", map[string]any{
			"symbol": symbol, "quantity": pos.Quantity, "origin": pos.StrategyID,
		})
		sig := order.Signal{
			StrategyID: liquidationStrategyID,
			Symbol:     symbol,
			Side:       portfolio.SideSell,
			Quantity:   pos.Quantity,
			OrderType:  kis.OrderMarket,
		}
		if err := e.mgr.ProcessSignal(ctx, sig); err != nil {
			observ.Error("market_open_liquidation_failed", map[string]any{
				"symbol": symbol, "error": err.Error(),
			})
		}
	}
}

// preparePayload gathers current prices and cached daily history for every
// symbol the active strategies want. The candle cache lives for one date.
func (e *Engine) preparePayload(ctx context.Context, now time.Time) strategy.Payload {
	symbols := make(map[string]struct{})
	for _, s := range e.strategies {
		for _, sym := range s.Symbols() {
			symbols[sym] = struct{}{}
		}
	}

	payload := strategy.Payload{
		HistoricalDaily: make(map[string][]kis.Candle),
		RealtimePrice:   make(map[string]float64),
	}
	for sym := range symbols {
		if _, cached := e.dailyCache[sym]; !cached {
			candles, err := e.md.DailyCandles(ctx, sym, e.cfg.HistoricalDays)
			if err != nil {
				observ.Warn("daily_backfill_failed", map[string]any{"symbol": sym, "error": err.Error()})
			} else {
				e.dailyCache[sym] = candles
			}
		}
		if candles, ok := e.dailyCache[sym]; ok {
			payload.HistoricalDaily[sym] = candles
		}

		price, err := e.md.CurrentPrice(ctx, sym)
		if err != nil {
			observ.Warn("realtime_price_failed", map[string]any{"symbol": sym, "error": err.Error()})
			continue
		}
		payload.RealtimePrice[sym] = price
	}
	return payload
}

// runStrategies invokes the strategies matching the window and forwards
// their signals. A panicking strategy is contained so the rest of the tick
// proceeds.
func (e *Engine) runStrategies(ctx context.Context, payload strategy.Payload, closingCall bool) {
	snapshot := strategy.Snapshot{
		Cash:       e.ledger.Cash(),
		Positions:  e.ledger.Positions(),
		OpenOrders: e.ledger.OpenOrders(),
	}

	for _, s := range e.strategies {
		if s.ClosingOnly() != closingCall {
			continue
		}
		for _, sig := range e.generateSafely(ctx, s, payload, snapshot) {
			observ.Log("signal_generated", map[string]any{
				"strategy": sig.StrategyID, "symbol": sig.Symbol, "side": string(sig.Side), "quantity": sig.Quantity,
			})
			if err := e.mgr.ProcessSignal(ctx, sig); err != nil {
				observ.Warn("signal_rejected", map[string]any{
					"strategy": sig.StrategyID, "symbol": sig.Symbol, "reason": err.Error(),
				})
			}
		}
	}
}

func (e *Engine) generateSafely(ctx context.Context, s strategy.Strategy, payload strategy.Payload, snapshot strategy.Snapshot) (signals []order.Signal) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("strategy_panicked", map[string]any{"strategy": s.ID(), "panic": fmt.Sprint(r)})
			observ.IncCounter("strategy_panics_total", map[string]string{"strategy": s.ID()})
			signals = nil
		}
	}()
	return s.GenerateSignals(ctx, payload, snapshot)
}

func (e *Engine) runPostMarket(ctx context.Context, now time.Time) {
	observ.Log("post_market_started", map[string]any{"date": now.Format("2006-01-02")})
	if e.postMarket == nil {
		return
	}
	if err := e.postMarket(ctx, now); err != nil {
		observ.Error("post_market_failed", map[string]any{"error": err.Error()})
		return
	}
	observ.Log("post_market_done", map[string]any{"date": now.Format("2006-01-02")})
}

// untilNextWakeUp computes the wait until the wake-up time on the next
// trading day. A trading day whose session has not closed yet wakes up
// immediately so a mid-day start trades today.
func (e *Engine) untilNextWakeUp(now time.Time) time.Duration {
	wake, _ := time.Parse("15:04", e.cfg.WakeUpTime)

	day := now
	if !e.clock.IsTradingDay(now) || !now.Before(e.clock.MarketTimes(now).Close) {
		day = e.clock.NextTradingDay(now)
	}
	target := time.Date(day.Year(), day.Month(), day.Day(), wake.Hour(), wake.Minute(), 0, 0, now.Location())
	d := target.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// runFillPoller periodically pulls today's concluded orders and forwards
// unseen executions to the order manager. Polling is skipped when there is
// nothing open and during the closing-call auction, when the inquiry
// endpoint does not serve.
func (e *Engine) runFillPoller(ctx context.Context) {
	observ.Log("fill_poller_started", map[string]any{"interval_s": e.cfg.FillPollInterval.Seconds()})
	for {
		if err := e.sleep(ctx, e.cfg.FillPollInterval); err != nil {
			observ.Log("fill_poller_stopped", map[string]any{})
			return
		}
		e.pollFillsOnce(ctx, e.now())
	}
}

// pollFillsOnce is one poller pass.
func (e *Engine) pollFillsOnce(ctx context.Context, now time.Time) {
	if len(e.ledger.OpenOrders()) == 0 {
		return
	}
	if e.clock.IsClosingCall(now) {
		return
	}

	fills, err := e.trading.ConcludedOrders(ctx)
	if err != nil {
		observ.Warn("fill_poll_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, f := range fills {
		if f.ExecutionID == "" {
			continue
		}
		e.fillMu.Lock()
		_, seen := e.processedFills[f.ExecutionID]
		if !seen {
			e.processedFills[f.ExecutionID] = struct{}{}
		}
		e.fillMu.Unlock()
		if seen {
			continue
		}
		observ.Log("fill_detected", map[string]any{
			"execution_id": f.ExecutionID, "order_id": f.OrderID, "symbol": f.Symbol,
			"side": string(f.Side), "quantity": f.Quantity, "price": f.Price,
		})
		e.mgr.HandleFillUpdate(f)
	}
}
