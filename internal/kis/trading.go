package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"kisbot/internal/observ"
	"kisbot/internal/portfolio"
)

// OrderType of a cash order.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// RiskConfig carries the per-account caps enforced on every placement.
type RiskConfig struct {
	MaxOrderValueKRW        float64
	MaxDailyOrderValueKRW   float64
	MaxDailyRealizedLossKRW float64
	EmergencyStop           bool
	HaltOnError             bool
}

// Balance is the broker-reported account snapshot.
type Balance struct {
	Cash      float64
	Positions []BalancePosition
}

// BalancePosition is one held symbol as the broker reports it.
type BalancePosition struct {
	Symbol   string
	Name     string
	Quantity int
	AvgPrice float64
}

// BrokerOpenOrder is an unconcluded order as the broker reports it.
type BrokerOpenOrder struct {
	OrderID   string
	Symbol    string
	Remaining int
}

// Trading places and inspects cash orders, with the risk governor inline in
// the placement path: emergency stop, degradation halt, per-order and daily
// buy-notional caps, and the daily realized-loss cap that trips the sticky
// emergency stop.
type Trading struct {
	client *Client
	md     *MarketData

	mu               sync.Mutex
	risk             RiskConfig
	dailyBuyValueKRW float64
	dailyRealizedKRW float64
	lastReset        string // YYYY-MM-DD
	emergencyStop    bool
	now              func() time.Time
}

// NewTrading wires the governor over a client and market data source.
func NewTrading(client *Client, md *MarketData, risk RiskConfig) *Trading {
	t := &Trading{
		client:        client,
		md:            md,
		risk:          risk,
		emergencyStop: risk.EmergencyStop,
		now:           time.Now,
	}
	t.lastReset = t.now().Format("2006-01-02")
	return t
}

// resetDailyLocked zeroes the daily counters and clears the emergency stop
// when the calendar day has rolled over. Caller holds mu.
func (t *Trading) resetDailyLocked() {
	today := t.now().Format("2006-01-02")
	if today == t.lastReset {
		return
	}
	observ.Log("risk_daily_reset", map[string]any{
		"previous": t.lastReset, "today": today,
		"buy_value": t.dailyBuyValueKRW, "realized_pnl": t.dailyRealizedKRW,
	})
	t.dailyBuyValueKRW = 0
	t.dailyRealizedKRW = 0
	t.emergencyStop = t.risk.EmergencyStop
	t.lastReset = today
}

// EmergencyStopped reports whether the sticky stop is currently up.
func (t *Trading) EmergencyStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetDailyLocked()
	return t.emergencyStop
}

// RegisterRealizedPnL accumulates realized profit and loss from sell fills.
// Breaching the daily loss cap trips the emergency stop until the next
// calendar-day reset.
func (t *Trading) RegisterRealizedPnL(pnlKRW float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetDailyLocked()

	t.dailyRealizedKRW += pnlKRW
	observ.SetGauge("risk_daily_realized_pnl_krw", t.dailyRealizedKRW, nil)

	if t.risk.MaxDailyRealizedLossKRW > 0 && t.dailyRealizedKRW < -t.risk.MaxDailyRealizedLossKRW {
		if !t.emergencyStop {
			observ.Error("risk_emergency_stop_tripped", map[string]any{
				"realized_pnl": t.dailyRealizedKRW, "cap": t.risk.MaxDailyRealizedLossKRW,
			})
			observ.IncCounter("risk_emergency_stop_total", map[string]string{"cause": "loss_cap"})
		}
		t.emergencyStop = true
	}
}

// NormalizeTickPrice rounds a limit price down onto the KRX tick grid.
func NormalizeTickPrice(price int) int {
	var tick int
	switch {
	case price < 2000:
		tick = 1
	case price < 5000:
		tick = 5
	case price < 20000:
		tick = 10
	case price < 50000:
		tick = 50
	case price < 200000:
		tick = 100
	case price < 500000:
		tick = 500
	default:
		tick = 1000
	}
	return (price / tick) * tick
}

// checkRisk applies the governor to one placement attempt. Returns the
// notional the order would add to the daily buy total, or an error naming
// the rejection.
func (t *Trading) checkRisk(ctx context.Context, symbol string, side portfolio.Side, quantity int, price float64, orderType OrderType) (float64, error) {
	t.mu.Lock()
	t.resetDailyLocked()
	stopped := t.emergencyStop
	halt := t.risk.HaltOnError
	t.mu.Unlock()

	if stopped {
		return 0, fmt.Errorf("emergency stop active, order rejected")
	}
	if halt && t.client.HasError() {
		return 0, fmt.Errorf("client degraded and halt_on_error set, order rejected")
	}
	if side != portfolio.SideBuy {
		return 0, nil
	}

	var notional float64
	if orderType == OrderLimit {
		if price <= 0 {
			return 0, fmt.Errorf("limit buy with non-positive price")
		}
		notional = price * float64(quantity)
	} else {
		current, err := t.md.CurrentPrice(ctx, symbol)
		if err != nil || current <= 0 {
			return 0, fmt.Errorf("market buy without a current price: %w", err)
		}
		notional = current * float64(quantity)
	}

	if t.risk.MaxOrderValueKRW > 0 && notional > t.risk.MaxOrderValueKRW {
		return 0, fmt.Errorf("order value %.0f exceeds per-order cap %.0f", notional, t.risk.MaxOrderValueKRW)
	}
	if t.risk.MaxDailyOrderValueKRW > 0 {
		t.mu.Lock()
		projected := t.dailyBuyValueKRW + notional
		t.mu.Unlock()
		if projected > t.risk.MaxDailyOrderValueKRW {
			return 0, fmt.Errorf("daily buy value %.0f would exceed cap %.0f", projected, t.risk.MaxDailyOrderValueKRW)
		}
	}
	return notional, nil
}

func (t *Trading) orderTRID(side portfolio.Side) string {
	live := map[portfolio.Side]string{portfolio.SideBuy: "TTTC0802U", portfolio.SideSell: "TTTC0801U"}
	paper := map[portfolio.Side]string{portfolio.SideBuy: "VTTC0802U", portfolio.SideSell: "VTTC0801U"}
	if t.client.Paper() {
		return paper[side]
	}
	return live[side]
}

func (t *Trading) accountBody() (cano, prdt string) {
	parts := strings.SplitN(t.client.AccountNo(), "-", 2)
	cano = parts[0]
	prdt = "01"
	if len(parts) == 2 {
		prdt = parts[1]
	}
	return cano, prdt
}

// PlaceOrder submits a cash order and returns the broker-assigned order id.
// The effective (tick-normalized) price is returned alongside so the caller
// records the price the broker actually saw.
func (t *Trading) PlaceOrder(ctx context.Context, symbol string, side portfolio.Side, quantity int, price float64, orderType OrderType) (orderID string, effectivePrice float64, err error) {
	if quantity <= 0 {
		return "", 0, fmt.Errorf("order quantity must be positive, got %d", quantity)
	}
	if side != portfolio.SideBuy && side != portfolio.SideSell {
		return "", 0, fmt.Errorf("invalid side %q", side)
	}

	notional, err := t.checkRisk(ctx, symbol, side, quantity, price, orderType)
	if err != nil {
		observ.Warn("risk_order_rejected", map[string]any{
			"symbol": symbol, "side": string(side), "quantity": quantity, "reason": err.Error(),
		})
		observ.IncCounter("risk_order_rejected_total", map[string]string{"symbol": symbol})
		return "", 0, err
	}

	var ordDvsn, ordUnpr string
	if orderType == OrderLimit {
		normalized := NormalizeTickPrice(int(price))
		if normalized != int(price) {
			observ.Log("order_price_normalized", map[string]any{
				"symbol": symbol, "requested": price, "normalized": normalized,
			})
		}
		price = float64(normalized)
		ordDvsn, ordUnpr = "00", strconv.Itoa(normalized)
	} else {
		ordDvsn, ordUnpr = "01", "0"
	}

	cano, prdt := t.accountBody()
	body := map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.Itoa(quantity),
		"ORD_UNPR":     ordUnpr,
	}

	hashkey, err := t.client.Hashkey(ctx, body)
	if err != nil {
		return "", 0, fmt.Errorf("hashkey: %w", err)
	}

	resp, err := t.client.Request(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-cash", t.orderTRID(side), nil, body, hashkey)
	if err != nil {
		return "", 0, err
	}
	if !resp.OK() {
		return "", 0, newProviderError(t.orderTRID(side), resp.Msg1)
	}

	var out struct {
		ODNO string `json:"ODNO"`
	}
	if err := json.Unmarshal(resp.Output, &out); err != nil || out.ODNO == "" {
		return "", 0, &APIError{Type: "parse", TRID: t.orderTRID(side), Message: "accepted order missing ODNO", Cause: err}
	}

	if side == portfolio.SideBuy {
		t.mu.Lock()
		t.dailyBuyValueKRW += notional
		observ.SetGauge("risk_daily_buy_value_krw", t.dailyBuyValueKRW, nil)
		t.mu.Unlock()
	}

	observ.Log("order_placed", map[string]any{
		"order_id": out.ODNO, "symbol": symbol, "side": string(side),
		"quantity": quantity, "price": price, "order_type": string(orderType),
	})
	observ.IncCounter("orders_placed_total", map[string]string{"side": string(side)})
	return out.ODNO, price, nil
}

// Balance fetches the broker-reported cash and positions.
func (t *Trading) Balance(ctx context.Context) (Balance, error) {
	cano, prdt := t.accountBody()
	trID := "TTTC8434R"
	if t.client.Paper() {
		trID = "VTTC8434R"
	}
	params := url.Values{
		"CANO": {cano}, "ACNT_PRDT_CD": {prdt},
		"AFHR_FLPR_YN": {"N"}, "OFL_YN": {"N"}, "INQR_DVSN": {"01"},
		"UNPR_DVSN": {"01"}, "FUND_STTL_ICLD_YN": {"N"}, "FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN": {"00"}, "CTX_AREA_FK100": {""}, "CTX_AREA_NK100": {""},
	}
	resp, err := t.client.Request(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-balance", trID, params, nil, "")
	if err != nil {
		return Balance{}, err
	}
	if !resp.OK() {
		return Balance{}, newProviderError(trID, resp.Msg1)
	}

	var summaries []struct {
		Cash string `json:"prvs_rcdl_excc_amt"`
	}
	if err := json.Unmarshal(resp.Output2, &summaries); err != nil || len(summaries) == 0 {
		return Balance{}, &APIError{Type: "parse", TRID: trID, Message: "malformed balance summary", Cause: err}
	}

	var rows []struct {
		Symbol   string `json:"pdno"`
		Name     string `json:"prdt_name"`
		Quantity string `json:"hldg_qty"`
		AvgPrice string `json:"pchs_avg_pric"`
	}
	if err := json.Unmarshal(resp.Output1, &rows); err != nil {
		return Balance{}, &APIError{Type: "parse", TRID: trID, Message: "malformed balance positions", Cause: err}
	}

	bal := Balance{Cash: parseF(summaries[0].Cash)}
	for _, r := range rows {
		qty := int(parseI(r.Quantity))
		if qty <= 0 {
			continue
		}
		bal.Positions = append(bal.Positions, BalancePosition{
			Symbol: r.Symbol, Name: r.Name, Quantity: qty, AvgPrice: parseF(r.AvgPrice),
		})
	}
	return bal, nil
}

// OpenOrders lists unconcluded orders at the broker.
func (t *Trading) OpenOrders(ctx context.Context) ([]BrokerOpenOrder, error) {
	rows, err := t.inquireOrders(ctx, "00")
	if err != nil {
		return nil, err
	}
	var orders []BrokerOpenOrder
	for _, r := range rows {
		rem := int(parseI(r.RemainingQty))
		if r.OrderID == "" || rem <= 0 {
			continue
		}
		orders = append(orders, BrokerOpenOrder{OrderID: r.OrderID, Symbol: r.Symbol, Remaining: rem})
	}
	return orders, nil
}

// ConcludedOrders lists today's executions as fills. The execution id is
// odno-ord_no so repeated polls can be deduplicated.
func (t *Trading) ConcludedOrders(ctx context.Context) ([]portfolio.Fill, error) {
	rows, err := t.inquireOrders(ctx, "01")
	if err != nil {
		return nil, err
	}
	var fills []portfolio.Fill
	for _, r := range rows {
		qty := int(parseI(r.ConcludedQty))
		if r.OrderID == "" || qty <= 0 {
			continue
		}
		side := portfolio.SideSell
		if r.SideCode == "02" {
			side = portfolio.SideBuy
		}
		fills = append(fills, portfolio.Fill{
			OrderID:     r.OrderID,
			Symbol:      r.Symbol,
			Side:        side,
			Quantity:    qty,
			Price:       parseF(r.AvgPrice),
			ExecutionID: r.OrderID + "-" + r.OrderNo,
		})
	}
	return fills, nil
}

type orderRow struct {
	OrderID      string `json:"odno"`
	OrderNo      string `json:"ord_no"`
	Symbol       string `json:"pdno"`
	SideCode     string `json:"sll_buy_dvsn_cd"` // "02" buy, "01" sell
	RemainingQty string `json:"nccs_qty"`
	ConcludedQty string `json:"tot_ccld_qty"`
	AvgPrice     string `json:"avg_prvs"`
}

func (t *Trading) inquireOrders(ctx context.Context, concluded string) ([]orderRow, error) {
	cano, prdt := t.accountBody()
	trID := "TTTC8001R"
	if t.client.Paper() {
		trID = "VTTC8001R"
	}
	params := url.Values{
		"CANO": {cano}, "ACNT_PRDT_CD": {prdt},
		"CTX_AREA_FK100": {""}, "CTX_AREA_NK100": {""},
		"INQR_DVSN_1": {"0"}, "INQR_DVSN_2": {"0"},
		"UNPD_CSCN_DVSN": {concluded},
	}
	resp, err := t.client.Request(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-not-concluded-account", trID, params, nil, "")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, newProviderError(trID, resp.Msg1)
	}

	var rows []orderRow
	if err := json.Unmarshal(resp.Output1, &rows); err != nil {
		return nil, &APIError{Type: "parse", TRID: trID, Message: "malformed order rows", Cause: err}
	}
	return rows, nil
}

// CancelOrder cancels the remaining quantity of an open order.
func (t *Trading) CancelOrder(ctx context.Context, orderID string, remaining int) error {
	trID := "TTTC0803U"
	if t.client.Paper() {
		trID = "VTTC0803U"
	}

	cano, prdt := t.accountBody()
	body := map[string]string{
		"CANO":               cano,
		"ACNT_PRDT_CD":       prdt,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // cancel
		"ORD_QTY":            strconv.Itoa(remaining),
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	hashkey, err := t.client.Hashkey(ctx, body)
	if err != nil {
		return fmt.Errorf("hashkey: %w", err)
	}
	resp, err := t.client.Request(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-rvsecncl", trID, nil, body, hashkey)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return newProviderError(trID, resp.Msg1)
	}
	observ.Log("order_cancel_sent", map[string]any{"order_id": orderID, "quantity": remaining})
	return nil
}
