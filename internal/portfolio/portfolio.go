// Package portfolio holds the in-memory ledger of cash, positions and open
// orders. It is the single source of truth: every mutation goes through
// UpdateOnNewOrder, UpdateOnFill or UpdateOnCancel, and reads return copies.
package portfolio

import (
	"sync"

	"kisbot/internal/observ"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// StartupOrphan marks a position reported by the broker at startup whose
// originating strategy is unknown. The engine liquidates these at the next
// market open.
const StartupOrphan = "loaded_on_startup"

// Position is the held quantity and weighted-average entry price for one
// symbol. Quantity is never negative.
type Position struct {
	Symbol     string  `json:"symbol"`
	Quantity   int     `json:"quantity"`
	AvgPrice   float64 `json:"avg_price"`
	StrategyID string  `json:"strategy_id"`
}

// OpenOrder is a broker-acknowledged order that has not fully filled yet.
type OpenOrder struct {
	OrderID    string  `json:"order_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Remaining  int     `json:"remaining_quantity"`
	Price      float64 `json:"price"`
	StrategyID string  `json:"strategy_id"`
}

// Fill is a broker confirmation that some quantity of an order executed.
type Fill struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Quantity    int     `json:"filled_quantity"`
	Price       float64 `json:"fill_price"`
	ExecutionID string  `json:"execution_id,omitempty"`
}

// Ledger is the portfolio aggregate. Cash is in KRW.
type Ledger struct {
	mu         sync.RWMutex
	cash       float64
	positions  map[string]Position
	openOrders map[string]OpenOrder
}

// New creates a ledger with the given starting cash and no positions.
func New(cash float64) *Ledger {
	return &Ledger{
		cash:       cash,
		positions:  make(map[string]Position),
		openOrders: make(map[string]OpenOrder),
	}
}

// SeedPosition installs a broker-reported position during startup. Positions
// with no known owner must be tagged StartupOrphan by the caller.
func (l *Ledger) SeedPosition(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Quantity <= 0 {
		return
	}
	l.positions[p.Symbol] = p
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Positions returns a copy of all held positions.
func (l *Ledger) Positions() map[string]Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Position, len(l.positions))
	for sym, p := range l.positions {
		out[sym] = p
	}
	return out
}

// Position returns the position for a symbol, if held.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return p, ok
}

// PositionQuantity returns the held quantity for a symbol, zero if none.
func (l *Ledger) PositionQuantity(symbol string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[symbol].Quantity
}

// HasPosition reports whether at least qty shares of symbol are held.
func (l *Ledger) HasPosition(symbol string, qty int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[symbol].Quantity >= qty
}

// SufficientCash reports whether the cash balance covers amount.
func (l *Ledger) SufficientCash(amount float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash >= amount
}

// OpenOrders returns a copy of all open orders keyed by order id.
func (l *Ledger) OpenOrders() map[string]OpenOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]OpenOrder, len(l.openOrders))
	for id, o := range l.openOrders {
		out[id] = o
	}
	return out
}

// UpdateOnNewOrder records a broker-acknowledged order. Cash is not debited
// until fills arrive.
func (l *Ledger) UpdateOnNewOrder(o OpenOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openOrders[o.OrderID] = o
	observ.Log("ledger_order_recorded", map[string]any{
		"order_id": o.OrderID, "symbol": o.Symbol, "side": string(o.Side),
		"quantity": o.Remaining, "price": o.Price, "strategy": o.StrategyID,
	})
}

// UpdateOnFill applies an execution to cash, positions and the open order.
// A fill whose order id is unknown is logged and dropped: it either belongs
// to an order this process did not originate or was already fully applied.
func (l *Ledger) UpdateOnFill(f Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.openOrders[f.OrderID]
	if !ok {
		observ.Warn("ledger_fill_unknown_order", map[string]any{
			"order_id": f.OrderID, "symbol": f.Symbol, "quantity": f.Quantity,
		})
		observ.IncCounter("ledger_fill_unknown_order_total", map[string]string{"symbol": f.Symbol})
		return
	}

	switch f.Side {
	case SideBuy:
		l.cash -= float64(f.Quantity) * f.Price
		pos := l.positions[f.Symbol]
		totalQty := pos.Quantity + f.Quantity
		pos.AvgPrice = (float64(pos.Quantity)*pos.AvgPrice + float64(f.Quantity)*f.Price) / float64(totalQty)
		pos.Quantity = totalQty
		pos.Symbol = f.Symbol
		if pos.StrategyID == "" {
			pos.StrategyID = order.StrategyID
		}
		l.positions[f.Symbol] = pos

	case SideSell:
		l.cash += float64(f.Quantity) * f.Price
		pos := l.positions[f.Symbol]
		if f.Quantity > pos.Quantity {
			// Accounting mismatch: a sell must never take a position
			// negative. Clamp to empty and flag for the operator.
			observ.Error("ledger_oversell_clamped", map[string]any{
				"symbol": f.Symbol, "held": pos.Quantity, "sold": f.Quantity, "order_id": f.OrderID,
			})
			observ.IncCounter("ledger_oversell_total", map[string]string{"symbol": f.Symbol})
			pos.Quantity = 0
		} else {
			pos.Quantity -= f.Quantity
		}
		if pos.Quantity == 0 {
			delete(l.positions, f.Symbol)
		} else {
			l.positions[f.Symbol] = pos
		}
	}

	order.Remaining -= f.Quantity
	if order.Remaining <= 0 {
		delete(l.openOrders, f.OrderID)
	} else {
		l.openOrders[f.OrderID] = order
	}

	observ.Log("ledger_fill_applied", map[string]any{
		"order_id": f.OrderID, "symbol": f.Symbol, "side": string(f.Side),
		"quantity": f.Quantity, "price": f.Price, "cash": l.cash,
	})
}

// UpdateOnCancel removes an open order. Cancelling an unknown id warns and
// no-ops.
func (l *Ledger) UpdateOnCancel(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.openOrders[orderID]; !ok {
		observ.Warn("ledger_cancel_unknown_order", map[string]any{"order_id": orderID})
		return
	}
	delete(l.openOrders, orderID)
	observ.Log("ledger_order_cancelled", map[string]any{"order_id": orderID})
}
