// Package order validates, deduplicates and dispatches strategy signals, and
// reconciles broker fills back into the ledger.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kisbot/internal/kis"
	"kisbot/internal/marketclock"
	"kisbot/internal/observ"
	"kisbot/internal/outbox"
	"kisbot/internal/portfolio"
)

// Slippage buffer applied when checking cash for a market buy: the fill may
// land above the quoted price.
const marketBuyCashBuffer = 1.05

var (
	ErrMarketClosed     = errors.New("market is not open")
	ErrDuplicateSignal  = errors.New("duplicate signal within cooldown")
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrNoPosition       = errors.New("insufficient position")
)

// Signal is a strategy's request to trade. Price zero means a market order.
type Signal struct {
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Side       portfolio.Side `json:"side"`
	Quantity   int            `json:"quantity"`
	Price      float64        `json:"price"`
	OrderType  kis.OrderType  `json:"order_type"`
}

type idemKey struct {
	strategy string
	symbol   string
	side     portfolio.Side
}

type idemRecord struct {
	orderID string
	at      time.Time
}

// Manager serializes signal processing per symbol, suppresses duplicates
// inside the cooldown window and is the only caller of the ledger's
// placement and fill updates.
type Manager struct {
	clock   *marketclock.Clock
	ledger  *portfolio.Ledger
	trading *kis.Trading
	md      *kis.MarketData
	box     *outbox.Outbox

	cooldown time.Duration
	locks    sync.Map // symbol -> *sync.Mutex

	idemMu sync.Mutex
	idem   map[idemKey]idemRecord

	now func() time.Time
}

// NewManager wires the signal path.
func NewManager(clock *marketclock.Clock, ledger *portfolio.Ledger, trading *kis.Trading, md *kis.MarketData, box *outbox.Outbox, cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Manager{
		clock:    clock,
		ledger:   ledger,
		trading:  trading,
		md:       md,
		box:      box,
		cooldown: cooldown,
		idem:     make(map[idemKey]idemRecord),
		now:      time.Now,
	}
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) isDuplicate(key idemKey) bool {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	rec, ok := m.idem[key]
	return ok && m.now().Sub(rec.at) < m.cooldown
}

func (m *Manager) recordPlacement(key idemKey, orderID string) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	m.idem[key] = idemRecord{orderID: orderID, at: m.now()}
}

// normalizeSymbol pads short numeric codes to the six digits KRX uses.
func normalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if len(symbol) < 6 && symbol != "" && strings.Trim(symbol, "0123456789") == "" {
		return strings.Repeat("0", 6-len(symbol)) + symbol
	}
	return symbol
}

// ProcessSignal runs the placement pipeline for one signal: market-hours
// gate, per-symbol lock, idempotency, cash/position validation, dispatch,
// ledger update and audit record. A returned error means no order was
// placed; duplicates and out-of-hours signals are dropped, not queued.
func (m *Manager) ProcessSignal(ctx context.Context, sig Signal) error {
	sig.Symbol = normalizeSymbol(sig.Symbol)
	if sig.Quantity <= 0 {
		return fmt.Errorf("signal quantity must be positive, got %d", sig.Quantity)
	}
	if sig.OrderType != kis.OrderLimit && sig.OrderType != kis.OrderMarket {
		sig.OrderType = kis.OrderMarket
	}
	if sig.Price <= 0 {
		sig.OrderType = kis.OrderMarket
	}

	if !m.clock.IsMarketOpen(m.now()) {
		observ.Warn("signal_outside_market_hours", map[string]any{
			"symbol": sig.Symbol, "side": string(sig.Side), "strategy": sig.StrategyID,
		})
		return ErrMarketClosed
	}

	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	key := idemKey{strategy: sig.StrategyID, symbol: sig.Symbol, side: sig.Side}
	if m.isDuplicate(key) {
		observ.Warn("signal_duplicate_dropped", map[string]any{
			"symbol": sig.Symbol, "side": string(sig.Side), "strategy": sig.StrategyID,
		})
		observ.IncCounter("signals_duplicate_total", map[string]string{"strategy": sig.StrategyID})
		return ErrDuplicateSignal
	}

	switch sig.Side {
	case portfolio.SideBuy:
		m.cancelStaleOpenOrders(ctx)
		if err := m.checkBuyCash(ctx, sig); err != nil {
			return err
		}
	case portfolio.SideSell:
		if !m.ledger.HasPosition(sig.Symbol, sig.Quantity) {
			observ.Error("signal_rejected_no_position", map[string]any{
				"symbol": sig.Symbol, "required": sig.Quantity, "held": m.ledger.PositionQuantity(sig.Symbol),
			})
			return fmt.Errorf("%w: need %d of %s, held %d", ErrNoPosition, sig.Quantity, sig.Symbol, m.ledger.PositionQuantity(sig.Symbol))
		}
	default:
		return fmt.Errorf("invalid side %q", sig.Side)
	}

	orderID, effectivePrice, err := m.trading.PlaceOrder(ctx, sig.Symbol, sig.Side, sig.Quantity, sig.Price, sig.OrderType)
	if err != nil {
		observ.Error("order_placement_failed", map[string]any{
			"symbol": sig.Symbol, "side": string(sig.Side), "quantity": sig.Quantity,
			"strategy": sig.StrategyID, "error": err.Error(),
		})
		observ.IncCounter("orders_failed_total", map[string]string{"strategy": sig.StrategyID})
		return err
	}

	open := portfolio.OpenOrder{
		OrderID:    orderID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Remaining:  sig.Quantity,
		Price:      effectivePrice,
		StrategyID: sig.StrategyID,
	}
	m.ledger.UpdateOnNewOrder(open)
	m.recordPlacement(key, orderID)

	if err := m.box.WriteOrder(outbox.OrderRecordFrom(uuid.NewString(), open, string(sig.OrderType))); err != nil {
		observ.Error("outbox_order_write_failed", map[string]any{"order_id": orderID, "error": err.Error()})
	}
	return nil
}

// checkBuyCash validates that the ledger's cash covers the order. Market
// buys are valued at the current price plus a slippage buffer.
func (m *Manager) checkBuyCash(ctx context.Context, sig Signal) error {
	effective := sig.Price
	if sig.OrderType == kis.OrderMarket {
		current, err := m.md.CurrentPrice(ctx, sig.Symbol)
		if err != nil || current <= 0 {
			observ.Error("signal_rejected_no_price", map[string]any{"symbol": sig.Symbol})
			return fmt.Errorf("market buy for %s without a current price: %w", sig.Symbol, err)
		}
		effective = current * marketBuyCashBuffer
	}
	required := effective * float64(sig.Quantity)
	if !m.ledger.SufficientCash(required) {
		observ.Error("signal_rejected_insufficient_cash", map[string]any{
			"symbol": sig.Symbol, "required": required, "available": m.ledger.Cash(),
		})
		return fmt.Errorf("%w: need %.0f, have %.0f", ErrInsufficientCash, required, m.ledger.Cash())
	}
	return nil
}

// cancelStaleOpenOrders clears unconcluded orders at the broker before a new
// buy so stale limit orders do not tie up cash. Failures are logged and do
// not block the new order.
func (m *Manager) cancelStaleOpenOrders(ctx context.Context) {
	orders, err := m.trading.OpenOrders(ctx)
	if err != nil {
		observ.Warn("stale_order_inquiry_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, o := range orders {
		if err := m.trading.CancelOrder(ctx, o.OrderID, o.Remaining); err != nil {
			observ.Warn("stale_order_cancel_failed", map[string]any{"order_id": o.OrderID, "error": err.Error()})
			continue
		}
		m.ledger.UpdateOnCancel(o.OrderID)
		observ.Log("stale_order_cancelled", map[string]any{"order_id": o.OrderID, "remaining": o.Remaining})
	}
}

// HandleFillUpdate applies one broker-reported execution: realized P&L on
// sells is registered with the risk governor against the held average price,
// then the ledger is updated and the fill audited. Called by the fill poller.
func (m *Manager) HandleFillUpdate(f portfolio.Fill) {
	var realized float64
	if f.Side == portfolio.SideSell {
		if pos, ok := m.ledger.Position(f.Symbol); ok && pos.AvgPrice > 0 {
			realized = (f.Price - pos.AvgPrice) * float64(f.Quantity)
			m.trading.RegisterRealizedPnL(realized)
			observ.Log("realized_pnl", map[string]any{
				"symbol": f.Symbol, "pnl_krw": realized, "fill_price": f.Price, "avg_price": pos.AvgPrice,
			})
		}
	}

	m.ledger.UpdateOnFill(f)
	observ.IncCounter("fills_applied_total", map[string]string{"side": string(f.Side)})

	if err := m.box.WriteFill(outbox.FillRecordFrom(uuid.NewString(), f, realized)); err != nil {
		observ.Error("outbox_fill_write_failed", map[string]any{"order_id": f.OrderID, "error": err.Error()})
	}
}
