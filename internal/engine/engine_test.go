package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kisbot/internal/config"
	"kisbot/internal/kis"
	"kisbot/internal/marketclock"
	"kisbot/internal/order"
	"kisbot/internal/portfolio"
	"kisbot/internal/ratelimit"
	"kisbot/internal/strategy"
)

// sinkRec records everything the engine forwards downstream.
type sinkRec struct {
	mu      sync.Mutex
	signals []order.Signal
	fills   []portfolio.Fill
}

func (s *sinkRec) ProcessSignal(_ context.Context, sig order.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *sinkRec) HandleFillUpdate(f portfolio.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
}

func (s *sinkRec) signalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

// scriptedStrategy returns a fixed signal list and counts invocations.
type scriptedStrategy struct {
	id      string
	closing bool
	symbols []string
	signals []order.Signal
	panics  bool

	runs int
}

func (s *scriptedStrategy) ID() string        { return s.id }
func (s *scriptedStrategy) ClosingOnly() bool { return s.closing }
func (s *scriptedStrategy) Symbols() []string { return s.symbols }
func (s *scriptedStrategy) GenerateSignals(context.Context, strategy.Payload, strategy.Snapshot) []order.Signal {
	s.runs++
	if s.panics {
		panic("scripted failure")
	}
	return s.signals
}

// gatewayStub serves the KIS endpoints the engine touches during a cycle.
type gatewayStub struct {
	server *httptest.Server

	mu             sync.Mutex
	dailyCalls     int
	concludedCalls int
	concludedRows  []map[string]string
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	g := &gatewayStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 86400})
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"stck_prpr": "75000"}})
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-daily-price", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.dailyCalls++
		g.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": []map[string]string{
			{"stck_bsop_date": "20260105", "stck_oprc": "74000", "stck_hgpr": "75500", "stck_lwpr": "73800", "stck_clpr": "75000", "acml_vol": "1000000"},
		}})
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-not-concluded-account", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		rows := []map[string]string{}
		if r.URL.Query().Get("UNPD_CSCN_DVSN") == "01" {
			g.concludedCalls++
			rows = g.concludedRows
		}
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output1": rows})
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *gatewayStub) counts() (daily, concluded int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyCalls, g.concludedCalls
}

type engineFixture struct {
	gateway        *gatewayStub
	ledger         *portfolio.Ledger
	sink           *sinkRec
	eng            *Engine
	postMarketRuns int
}

func newEngineFixture(t *testing.T, strategies []strategy.Strategy) *engineFixture {
	t.Helper()
	gateway := newGatewayStub(t)
	client := kis.NewClient(kis.ClientConfig{
		BaseURL: gateway.server.URL, AppKey: "k", AppSecret: "s",
		AccountNo: "12345678-01", Paper: true, MaxRetries: 5,
	}, ratelimit.New("test", 1000, time.Second))
	md := kis.NewMarketData(client, 1000)
	trading := kis.NewTrading(client, md, kis.RiskConfig{})

	clock, err := marketclock.New(config.TradingHours{
		MarketOpen: "09:00", MarketClose: "15:30", ClosingCallStart: "15:20",
	})
	require.NoError(t, err)

	f := &engineFixture{
		gateway: gateway,
		ledger:  portfolio.New(1_000_000),
		sink:    &sinkRec{},
	}
	eng, err := New(Config{LoopInterval: time.Minute, FillPollInterval: 15 * time.Second},
		clock, f.ledger, f.sink, trading, md, strategies,
		func(context.Context, time.Time) error { f.postMarketRuns++; return nil })
	require.NoError(t, err)
	eng.sleep = func(context.Context, time.Duration) error { return nil }
	f.eng = eng
	return f
}

// A Monday without holidays.
func monday(hour, min int) time.Time {
	return time.Date(2026, 1, 5, hour, min, 0, 0, time.Local)
}

func TestPhaseClassification(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.eng.rolloverState(monday(8, 0))

	cases := []struct {
		name string
		at   time.Time
		want Phase
	}{
		{"before open", monday(8, 30), PhasePreMarket},
		{"regular hours", monday(10, 0), PhaseOpen},
		{"closing call", monday(15, 25), PhaseClosingCall},
		{"after close same day", monday(15, 45), PhasePostMarketPending},
		{"weekend", time.Date(2026, 1, 3, 10, 0, 0, 0, time.Local), PhaseOffHours},
	}
	for _, tc := range cases {
		if got := f.eng.Phase(tc.at); got != tc.want {
			t.Errorf("%s: phase = %s, want %s", tc.name, got, tc.want)
		}
	}

	f.eng.postMarketDone = true
	if got := f.eng.Phase(monday(15, 45)); got != PhaseOffHours {
		t.Errorf("after post-market ran: phase = %s, want %s", got, PhaseOffHours)
	}
}

func TestClosingCallSelectsClosingStrategiesOnly(t *testing.T) {
	intraday := &scriptedStrategy{id: "intraday", symbols: []string{"005930"}, signals: []order.Signal{
		{StrategyID: "intraday", Symbol: "005930", Side: portfolio.SideBuy, Quantity: 1, OrderType: kis.OrderMarket},
	}}
	closing := &scriptedStrategy{id: "closing", closing: true, symbols: []string{"005930"}, signals: []order.Signal{
		{StrategyID: "closing", Symbol: "005930", Side: portfolio.SideBuy, Quantity: 1, OrderType: kis.OrderMarket},
	}}
	f := newEngineFixture(t, []strategy.Strategy{intraday, closing})

	f.eng.tick(context.Background(), monday(10, 0))
	require.Equal(t, 1, intraday.runs)
	require.Zero(t, closing.runs, "closing strategy must not run in regular hours")
	require.Equal(t, 1, f.sink.signalCount())
	require.Equal(t, "intraday", f.sink.signals[0].StrategyID)

	f.eng.tick(context.Background(), monday(15, 25))
	require.Equal(t, 1, intraday.runs, "intraday strategy must not run in the closing call")
	require.Equal(t, 1, closing.runs)
	require.Equal(t, 2, f.sink.signalCount())
	require.Equal(t, "closing", f.sink.signals[1].StrategyID)
}

func TestStrategyPanicDoesNotBlockOthers(t *testing.T) {
	bad := &scriptedStrategy{id: "bad", panics: true}
	good := &scriptedStrategy{id: "good", signals: []order.Signal{
		{StrategyID: "good", Symbol: "005930", Side: portfolio.SideBuy, Quantity: 1, OrderType: kis.OrderMarket},
	}}
	f := newEngineFixture(t, []strategy.Strategy{bad, good})

	f.eng.tick(context.Background(), monday(10, 0))
	require.Equal(t, 1, bad.runs)
	require.Equal(t, 1, good.runs)
	require.Equal(t, 1, f.sink.signalCount())
}

func TestMarketOpenLiquidationTargetsClosingAndOrphanPositions(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.ledger.SeedPosition(portfolio.Position{Symbol: "005930", Quantity: 10, AvgPrice: 75_000, StrategyID: "closing_price_v1"})
	f.ledger.SeedPosition(portfolio.Position{Symbol: "000660", Quantity: 4, AvgPrice: 120_000, StrategyID: portfolio.StartupOrphan})
	f.ledger.SeedPosition(portfolio.Position{Symbol: "035720", Quantity: 7, AvgPrice: 45_000, StrategyID: "momentum"})

	f.eng.tick(context.Background(), monday(9, 1))

	require.Equal(t, 2, f.sink.signalCount())
	liquidated := map[string]int{}
	for _, sig := range f.sink.signals {
		require.Equal(t, "market_open_liquidation", sig.StrategyID)
		require.Equal(t, portfolio.SideSell, sig.Side)
		require.Equal(t, kis.OrderMarket, sig.OrderType)
		liquidated[sig.Symbol] = sig.Quantity
	}
	require.Equal(t, map[string]int{"005930": 10, "000660": 4}, liquidated)

	// A later tick the same day must not sell again.
	f.eng.tick(context.Background(), monday(10, 0))
	require.Equal(t, 2, f.sink.signalCount())
}

func TestDailyCandleCacheLivesForOneDate(t *testing.T) {
	s := &scriptedStrategy{id: "watcher", symbols: []string{"005930"}}
	f := newEngineFixture(t, []strategy.Strategy{s})

	f.eng.tick(context.Background(), monday(10, 0))
	f.eng.tick(context.Background(), monday(10, 1))
	daily, _ := f.gateway.counts()
	require.Equal(t, 1, daily, "second tick must hit the cache")

	f.eng.tick(context.Background(), monday(10, 0).AddDate(0, 0, 1))
	daily, _ = f.gateway.counts()
	require.Equal(t, 2, daily, "date rollover must refetch")
}

func TestPostMarketHookRunsExactlyOncePerDay(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.eng.tick(context.Background(), monday(15, 45))
	require.Equal(t, 1, f.postMarketRuns)

	f.eng.tick(context.Background(), monday(15, 50))
	f.eng.tick(context.Background(), monday(16, 30))
	require.Equal(t, 1, f.postMarketRuns, "same evening must not rerun the hook")

	f.eng.tick(context.Background(), monday(15, 45).AddDate(0, 0, 1))
	require.Equal(t, 2, f.postMarketRuns)
}

func TestOffHoursWaitTargetsNextTradingDayWakeUp(t *testing.T) {
	f := newEngineFixture(t, nil)

	// Monday evening: Tuesday 08:50.
	require.Equal(t, 16*time.Hour+50*time.Minute, f.eng.untilNextWakeUp(monday(16, 0)))
	// Friday evening skips the weekend.
	friday := time.Date(2026, 1, 9, 16, 0, 0, 0, time.Local)
	require.Equal(t, 64*time.Hour+50*time.Minute, f.eng.untilNextWakeUp(friday))
	// Mid-day on a trading day wakes immediately: the session is still on.
	require.Equal(t, time.Second, f.eng.untilNextWakeUp(monday(10, 0)))
}

func TestFillPollerDedupesAndSkipsQuietWindows(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.gateway.concludedRows = []map[string]string{
		{"odno": "0042", "ord_no": "7", "pdno": "005930", "sll_buy_dvsn_cd": "02", "tot_ccld_qty": "10", "avg_prvs": "74900"},
	}

	// Nothing open: no broker call at all.
	f.eng.pollFillsOnce(context.Background(), monday(10, 0))
	_, concluded := f.gateway.counts()
	require.Zero(t, concluded)

	f.ledger.UpdateOnNewOrder(portfolio.OpenOrder{OrderID: "0042", Symbol: "005930", Side: portfolio.SideBuy, Remaining: 10, Price: 75_000})

	// The closing call blocks polling even with an open order.
	f.eng.pollFillsOnce(context.Background(), monday(15, 25))
	_, concluded = f.gateway.counts()
	require.Zero(t, concluded)

	f.eng.pollFillsOnce(context.Background(), monday(10, 0))
	require.Len(t, f.sink.fills, 1)
	require.Equal(t, "0042-7", f.sink.fills[0].ExecutionID)
	require.Equal(t, float64(74_900), f.sink.fills[0].Price)

	// The same execution id on the next pass is not reapplied.
	f.eng.pollFillsOnce(context.Background(), monday(10, 0))
	require.Len(t, f.sink.fills, 1)
}

func TestStopShutsDownRunAndPoller(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.eng.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.eng.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	f.eng.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
