// Package marketclock classifies wall-clock time against the KRX session:
// trading day, regular hours, and the closing-call auction window.
package marketclock

import (
	"fmt"
	"time"

	"kisbot/internal/config"
)

// Times holds the configured session boundaries for a single trading day.
type Times struct {
	Open             time.Time // clock-only, date component is zero
	Close            time.Time
	ClosingCallStart time.Time
}

// Clock answers session questions from configured hours and a holiday set.
// It is immutable after construction.
type Clock struct {
	open             minuteOfDay
	close            minuteOfDay
	closingCallStart minuteOfDay
	holidays         map[string]struct{} // "2006-01-02"
}

type minuteOfDay int

func parseClockTime(s string) (minuteOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid session time %q: %w", s, err)
	}
	return minuteOfDay(t.Hour()*60 + t.Minute()), nil
}

func minuteOf(t time.Time) minuteOfDay {
	return minuteOfDay(t.Hour()*60 + t.Minute())
}

// New builds a Clock from config. Missing or malformed session times are a
// hard construction failure: the engine must not guess at session hours.
func New(cfg config.TradingHours) (*Clock, error) {
	open, err := parseClockTime(cfg.MarketOpen)
	if err != nil {
		return nil, err
	}
	close_, err := parseClockTime(cfg.MarketClose)
	if err != nil {
		return nil, err
	}
	call, err := parseClockTime(cfg.ClosingCallStart)
	if err != nil {
		return nil, err
	}
	if !(open < call && call < close_) {
		return nil, fmt.Errorf("session times out of order: open=%s closing_call=%s close=%s",
			cfg.MarketOpen, cfg.ClosingCallStart, cfg.MarketClose)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		holidays[h] = struct{}{}
	}

	return &Clock{open: open, close: close_, closingCallStart: call, holidays: holidays}, nil
}

// IsTradingDay reports whether date is a weekday that is not a holiday.
func (c *Clock) IsTradingDay(date time.Time) bool {
	wd := date.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[date.Format("2006-01-02")]
	return !holiday
}

// IsMarketOpen reports whether now falls inside regular hours on a trading day.
func (c *Clock) IsMarketOpen(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	m := minuteOf(now)
	return c.open <= m && m < c.close
}

// IsClosingCall reports whether now falls inside the closing-call auction
// window on a trading day.
func (c *Clock) IsClosingCall(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	m := minuteOf(now)
	return c.closingCallStart <= m && m < c.close
}

// MarketTimes returns the session boundaries anchored to the date of on.
func (c *Clock) MarketTimes(on time.Time) Times {
	day := time.Date(on.Year(), on.Month(), on.Day(), 0, 0, 0, 0, on.Location())
	at := func(m minuteOfDay) time.Time {
		return day.Add(time.Duration(m) * time.Minute)
	}
	return Times{Open: at(c.open), Close: at(c.close), ClosingCallStart: at(c.closingCallStart)}
}

// NextTradingDay returns the first trading day strictly after from.
func (c *Clock) NextTradingDay(from time.Time) time.Time {
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			return d
		}
	}
}
