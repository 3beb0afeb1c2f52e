package utils

import (
	"time"

	"market-scanner/internal/models"
)

// EasternLocation is the timezone US equity sessions are defined in.
var EasternLocation *time.Location

func init() {
	var err error
	EasternLocation, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to EST without DST
		EasternLocation = time.FixedZone("EST", -5*60*60)
	}
}

// Session boundaries in minutes after midnight Eastern.
const (
	preMarketOpen  = 4 * 60    // 04:00
	regularOpen    = 9*60 + 30 // 09:30
	regularClose   = 16 * 60   // 16:00
	afterHoursStop = 20 * 60   // 20:00
)

// MarketStatusAt returns the US market status at t. Exchange holidays are not modeled.
func MarketStatusAt(t time.Time) models.MarketStatus {
	now := t.In(EasternLocation)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return models.MarketClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= preMarketOpen && minutes < regularOpen:
		return models.MarketPreOpen
	case minutes >= regularOpen && minutes < regularClose:
		return models.MarketOpen
	case minutes >= regularClose && minutes < afterHoursStop:
		return models.MarketAfterHour
	default:
		return models.MarketClosed
	}
}

// GetMarketStatus returns the current market status.
func GetMarketStatus() models.MarketStatus {
	return MarketStatusAt(time.Now())
}

// InSession reports whether t falls inside the trading window of session.
func InSession(session models.SessionType, t time.Time) bool {
	current, ok := MarketStatusAt(t).Session()
	return ok && current == session
}

// NextSessionStart returns the next time at or after t when session begins.
func NextSessionStart(session models.SessionType, t time.Time) time.Time {
	var start int
	switch session {
	case models.SessionPreMarket:
		start = preMarketOpen
	case models.SessionRegularMarket:
		start = regularOpen
	default:
		start = regularClose
	}

	now := t.In(EasternLocation)
	next := time.Date(now.Year(), now.Month(), now.Day(), start/60, start%60, 0, 0, EasternLocation)
	if now.After(next) {
		next = next.AddDate(0, 0, 1)
	}

	// Skip weekends
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// TradingDate returns the calendar date of t in loc.
func TradingDate(t time.Time, loc *time.Location) models.Date {
	if loc == nil {
		loc = EasternLocation
	}
	return models.DateOf(t.In(loc))
}
