package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"
)

// Candle is one daily OHLCV bar.
type Candle struct {
	Date   string // YYYYMMDD
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// MarketData answers quote queries over the KIS quotations endpoints.
// Daily-candle backfill is additionally paced by its own limiter so a cold
// cache of many symbols cannot monopolize the per-second call budget that
// order placement shares.
type MarketData struct {
	client  *Client
	backoff *rate.Limiter
}

// NewMarketData wraps a client. backfillPerSec bounds DailyCandles calls.
func NewMarketData(client *Client, backfillPerSec float64) *MarketData {
	if backfillPerSec <= 0 {
		backfillPerSec = 2
	}
	return &MarketData{
		client:  client,
		backoff: rate.NewLimiter(rate.Limit(backfillPerSec), 1),
	}
}

// CurrentPrice returns the last traded price for a symbol, zero with an
// error when the quote is unavailable.
func (md *MarketData) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}
	resp, err := md.client.Request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", params, nil, "")
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, newProviderError("FHKST01010100", resp.Msg1)
	}

	var out struct {
		Price string `json:"stck_prpr"`
	}
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		return 0, &APIError{Type: "parse", TRID: "FHKST01010100", Message: "malformed price output", Cause: err}
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, &APIError{Type: "parse", TRID: "FHKST01010100", Message: fmt.Sprintf("bad price %q", out.Price), Cause: err}
	}
	return price, nil
}

// DailyCandles returns up to days of daily bars for a symbol, most recent
// first, the order the gateway reports them in.
func (md *MarketData) DailyCandles(ctx context.Context, symbol string, days int) ([]Candle, error) {
	if err := md.backoff.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
		"FID_PERIOD_DIV_CODE":    {"D"},
		"FID_ORG_ADJ_PRC":        {"1"},
	}
	resp, err := md.client.Request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", params, nil, "")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, newProviderError("FHKST01010400", resp.Msg1)
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(resp.Output, &rows); err != nil {
		return nil, &APIError{Type: "parse", TRID: "FHKST01010400", Message: "malformed candle output", Cause: err}
	}
	if len(rows) > days {
		rows = rows[:days]
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, Candle{
			Date:   r.Date,
			Open:   parseF(r.Open),
			High:   parseF(r.High),
			Low:    parseF(r.Low),
			Close:  parseF(r.Close),
			Volume: parseI(r.Volume),
		})
	}
	return candles, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseI(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
