// Package outbox is the durable audit trail: every order placement and every
// fill appends exactly one JSONL record. The post-market report reads the
// day's fills back out of the same file.
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kisbot/internal/portfolio"
)

// OrderRecord is the audit record of one placement.
type OrderRecord struct {
	AuditID    string  `json:"audit_id"`
	OrderID    string  `json:"order_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price"`
	OrderType  string  `json:"order_type"`
	StrategyID string  `json:"strategy_id"`
}

// FillRecord is the audit record of one execution.
type FillRecord struct {
	AuditID     string  `json:"audit_id"`
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    int     `json:"filled_quantity"`
	Price       float64 `json:"fill_price"`
	ExecutionID string  `json:"execution_id,omitempty"`
	RealizedPnL float64 `json:"realized_pnl"`
}

type entry struct {
	Type  string          `json:"type"`
	Event time.Time       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbox appends records to a single JSONL file. Writes are serialized so
// the placement path and the fill poller never interleave partial lines.
type Outbox struct {
	mu   sync.Mutex
	path string
}

// New opens (creating parent directories for) the outbox file at path.
func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox dir: %w", err)
	}
	return &Outbox{path: path}, nil
}

// WriteOrder appends the audit record of a placement.
func (o *Outbox) WriteOrder(rec OrderRecord) error {
	return o.append("order", rec)
}

// WriteFill appends the audit record of a fill.
func (o *Outbox) WriteFill(rec FillRecord) error {
	return o.append("fill", rec)
}

func (o *Outbox) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry{Type: kind, Event: time.Now().UTC(), Data: raw})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadFillsSince returns the fill records appended at or after since, in file
// order. Malformed lines are skipped.
func (o *Outbox) ReadFillsSince(since time.Time) ([]FillRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var fills []FillRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Type != "fill" || e.Event.Before(since) {
			continue
		}
		var rec FillRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			continue
		}
		fills = append(fills, rec)
	}
	return fills, sc.Err()
}

// OrderRecordFrom builds the placement audit record for a ledger order.
func OrderRecordFrom(auditID string, o portfolio.OpenOrder, orderType string) OrderRecord {
	return OrderRecord{
		AuditID:    auditID,
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Quantity:   o.Remaining,
		Price:      o.Price,
		OrderType:  orderType,
		StrategyID: o.StrategyID,
	}
}

// FillRecordFrom builds the fill audit record for a ledger fill.
func FillRecordFrom(auditID string, f portfolio.Fill, realizedPnL float64) FillRecord {
	return FillRecord{
		AuditID:     auditID,
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        string(f.Side),
		Quantity:    f.Quantity,
		Price:       f.Price,
		ExecutionID: f.ExecutionID,
		RealizedPnL: realizedPnL,
	}
}
