package risk

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/config"
)

// MarketCalendar knows the regular equity session: weekdays between the open
// and close in the exchange timezone, minus listed holidays. A nil calendar
// is always open.
type MarketCalendar struct {
	loc        *time.Location
	open       time.Duration
	close      time.Duration
	holidays   map[string]bool
	afterHours bool
}

func NewMarketCalendar(cfg config.Session) (*MarketCalendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", cfg.Timezone, err)
	}
	open, err := clockOffset(cfg.Open)
	if err != nil {
		return nil, err
	}
	closing, err := clockOffset(cfg.Close)
	if err != nil {
		return nil, err
	}
	c := &MarketCalendar{
		loc:        loc,
		open:       open,
		close:      closing,
		holidays:   make(map[string]bool, len(cfg.Holidays)),
		afterHours: cfg.AllowAfterHours,
	}
	for _, h := range cfg.Holidays {
		c.holidays[h] = true
	}
	return c, nil
}

func clockOffset(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid session time %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// TradingDay reports whether t falls on a weekday that is not a holiday.
func (c *MarketCalendar) TradingDay(t time.Time) bool {
	if c == nil {
		return true
	}
	local := t.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// IsOpen reports whether the regular session is open at t. The close is
// inclusive.
func (c *MarketCalendar) IsOpen(t time.Time) bool {
	if c == nil || c.afterHours {
		return true
	}
	if !c.TradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	since := local.Sub(midnight(local))
	return since >= c.open && since <= c.close
}

// NextOpen returns the first session open strictly after t, or t itself
// while the session is open.
func (c *MarketCalendar) NextOpen(t time.Time) time.Time {
	if c.IsOpen(t) {
		return t
	}
	local := t.In(c.loc)
	day := midnight(local)
	if local.Sub(day) >= c.open {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < 14; i++ {
		if c.TradingDay(day) {
			return day.Add(c.open)
		}
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(c.open)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
