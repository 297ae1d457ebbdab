package util

import (
	"time"

	"finpod/internal/domain"
)

// MarketLocation returns the exchange time zone of a market. Hosts without
// tzdata get a fixed offset (Taipei has no DST; New York falls back to EST).
func MarketLocation(m domain.Market) *time.Location {
	name, offset := "America/New_York", -5*3600
	if m == domain.MarketTW {
		name, offset = "Asia/Taipei", 8*3600
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone(name, offset)
}

// MarketDate formats t as the YYYY-MM-DD calendar date in the market's zone.
func MarketDate(m domain.Market, t time.Time) string {
	return t.In(MarketLocation(m)).Format("2006-01-02")
}

// IsTradingWeekday reports whether t falls on Monday-Friday in the market's
// zone. Exchange holidays are not modelled.
func IsTradingWeekday(m domain.Market, t time.Time) bool {
	switch t.In(MarketLocation(m)).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}
