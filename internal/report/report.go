// Package report builds the post-market daily summary from the day's audit
// trail and persists it to sqlite, one row per trading day.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kisbot/internal/observ"
	"kisbot/internal/outbox"
	"kisbot/internal/portfolio"
)

// Summary aggregates one trading day.
type Summary struct {
	Date          string // "2006-01-02"
	Trades        int
	BuyQuantity   int
	SellQuantity  int
	BuyNotional   float64
	SellNotional  float64
	RealizedPnL   float64
	EndingCash    float64
	OpenPositions int
}

// Store persists daily summaries.
type Store struct {
	db *sql.DB
}

const summarySchema = `
CREATE TABLE IF NOT EXISTS daily_summary (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date TEXT UNIQUE NOT NULL,
	trades INTEGER NOT NULL,
	buy_quantity INTEGER NOT NULL,
	sell_quantity INTEGER NOT NULL,
	buy_notional REAL NOT NULL,
	sell_notional REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	ending_cash REAL NOT NULL,
	open_positions INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_daily_summary_date ON daily_summary(date);`

// NewStore opens (creating parent directories for) the summary database.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open summary db: %w", err)
	}
	// sqlite handles one writer; keep the pool at a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(summarySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("summary schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save upserts the summary row for its date.
func (s *Store) Save(ctx context.Context, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_summary
		(date, trades, buy_quantity, sell_quantity, buy_notional, sell_notional, realized_pnl, ending_cash, open_positions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.Date, sum.Trades, sum.BuyQuantity, sum.SellQuantity,
		sum.BuyNotional, sum.SellNotional, sum.RealizedPnL, sum.EndingCash, sum.OpenPositions)
	return err
}

// Load returns the stored summary for date, sql.ErrNoRows when absent.
func (s *Store) Load(ctx context.Context, date string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT date, trades, buy_quantity, sell_quantity, buy_notional, sell_notional, realized_pnl, ending_cash, open_positions
		FROM daily_summary WHERE date = ?
	`, date).Scan(&sum.Date, &sum.Trades, &sum.BuyQuantity, &sum.SellQuantity,
		&sum.BuyNotional, &sum.SellNotional, &sum.RealizedPnL, &sum.EndingCash, &sum.OpenPositions)
	return sum, err
}

// Recent returns up to limit summaries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, trades, buy_quantity, sell_quantity, buy_notional, sell_notional, realized_pnl, ending_cash, open_positions
		FROM daily_summary ORDER BY date DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Date, &sum.Trades, &sum.BuyQuantity, &sum.SellQuantity,
			&sum.BuyNotional, &sum.SellNotional, &sum.RealizedPnL, &sum.EndingCash, &sum.OpenPositions); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Summarize folds the day's fill records into a Summary against the closing
// ledger state.
func Summarize(day time.Time, fills []outbox.FillRecord, ledger *portfolio.Ledger) Summary {
	sum := Summary{Date: day.Format("2006-01-02")}
	for _, f := range fills {
		sum.Trades++
		notional := f.Price * float64(f.Quantity)
		if f.Side == string(portfolio.SideBuy) {
			sum.BuyQuantity += f.Quantity
			sum.BuyNotional += notional
		} else {
			sum.SellQuantity += f.Quantity
			sum.SellNotional += notional
		}
		sum.RealizedPnL += f.RealizedPnL
	}
	sum.EndingCash = ledger.Cash()
	sum.OpenPositions = len(ledger.Positions())
	return sum
}

// Runner is the engine's post-market hook: read the day's fills from the
// outbox, summarize against the ledger and persist.
type Runner struct {
	box    *outbox.Outbox
	ledger *portfolio.Ledger
	store  *Store
}

func NewRunner(box *outbox.Outbox, ledger *portfolio.Ledger, store *Store) *Runner {
	return &Runner{box: box, ledger: ledger, store: store}
}

// Run builds and stores the summary for day.
func (r *Runner) Run(ctx context.Context, day time.Time) error {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	fills, err := r.box.ReadFillsSince(midnight)
	if err != nil {
		return fmt.Errorf("read fills: %w", err)
	}

	sum := Summarize(day, fills, r.ledger)
	if err := r.store.Save(ctx, sum); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	observ.Log("daily_summary", map[string]any{
		"date": sum.Date, "trades": sum.Trades,
		"buy_notional_krw": sum.BuyNotional, "sell_notional_krw": sum.SellNotional,
		"realized_pnl_krw": sum.RealizedPnL, "ending_cash_krw": sum.EndingCash,
		"open_positions": sum.OpenPositions,
	})
	observ.SetGauge("daily_realized_pnl_krw", sum.RealizedPnL, nil)
	return nil
}
