// Package models provides domain models for the market scanner.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionType represents a US equity trading window.
type SessionType string

const (
	SessionPreMarket     SessionType = "pre_market"
	SessionRegularMarket SessionType = "regular_market"
	SessionAfterMarket   SessionType = "after_market" // reserved, no scan loop
)

// AllSessions lists every known session type in trading-day order.
var AllSessions = []SessionType{SessionPreMarket, SessionRegularMarket, SessionAfterMarket}

// ParseSession converts user input like "pre", "pre-market" or "regular_market".
func ParseSession(s string) (SessionType, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "pre", "pre_market", "premarket":
		return SessionPreMarket, nil
	case "regular", "regular_market", "market":
		return SessionRegularMarket, nil
	case "after", "after_market", "aftermarket", "post":
		return SessionAfterMarket, nil
	default:
		return "", fmt.Errorf("unknown session type: %q", s)
	}
}

// Label returns a human-readable session name.
func (s SessionType) Label() string {
	switch s {
	case SessionPreMarket:
		return "Pre-Market"
	case SessionRegularMarket:
		return "Regular Market"
	case SessionAfterMarket:
		return "After Market"
	default:
		return string(s)
	}
}

// Active reports whether the session has a scan loop.
func (s SessionType) Active() bool {
	return s == SessionPreMarket || s == SessionRegularMarket
}

// MarketStatus represents the current US market status.
type MarketStatus string

const (
	MarketPreOpen   MarketStatus = "PRE_MARKET"
	MarketOpen      MarketStatus = "OPEN"
	MarketAfterHour MarketStatus = "AFTER_HOURS"
	MarketClosed    MarketStatus = "CLOSED"
)

// Session maps a market status to the session that scans during it.
func (m MarketStatus) Session() (SessionType, bool) {
	switch m {
	case MarketPreOpen:
		return SessionPreMarket, true
	case MarketOpen:
		return SessionRegularMarket, true
	case MarketAfterHour:
		return SessionAfterMarket, true
	default:
		return "", false
	}
}

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

// ISOWeek returns the ISO 8601 week number of d.
func (d Date) ISOWeek() int {
	_, w := d.Time().ISOWeek()
	return w
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}
