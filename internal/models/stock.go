package models

import (
	"time"
)

// Quote holds the cheap, every-cycle fields of a stock.
type Quote struct {
	LastPrice     *float64
	ChangePercent *float64
	Volume        *int64
	QuoteTime     time.Time
}

// QuoteOlder reports whether a quote taken at next must not replace one taken
// at prev: next is before prev, or untimed while prev is timed.
func QuoteOlder(next, prev time.Time) bool {
	if next.IsZero() {
		return !prev.IsZero()
	}
	return next.Before(prev)
}

// Fundamentals holds the slow-moving fields refreshed at most once per day.
type Fundamentals struct {
	MarketCap         *float64
	AvgVolume1Day     *float64
	AvgVolume10Day    *float64
	AvgVolume3Month   *float64
	StockFloat        *int64
	HeldInsiders      *float64
	HeldInstitutions  *float64
	OperatingCashFlow *float64
	Sector            *string
	Industry          *string
	Website           *string
	Country           *string
	BusinessSummary   *string
}

// ShortInterest holds short-selling statistics.
type ShortInterest struct {
	SharesShort                    *int64
	ShortRatio                     *float64
	ShortPercentFloat              *float64
	SharesPercentSharesOutstanding *float64
	SharesShortPriorMonth          *int64
	ShortRatioDate                 *time.Time
	SharesShortPreviousMonthDate   *time.Time
}

// StockRecord is the canonical per-ticker entity.
type StockRecord struct {
	ID          string
	Ticker      string
	CompanyName *string

	Quote         Quote
	Fundamentals  Fundamentals
	ShortInterest ShortInterest

	FundamentalsUpdatedAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ScanResult is the per-session projection of a stock's latest quote.
type ScanResult struct {
	StockID       string
	Ticker        string
	Session       SessionType
	LastPrice     *float64
	ChangePercent *float64
	Volume        *int64
	FloatRotation *float64
	QuoteTime     time.Time
}

// TickerHistoryEntry records that a stock was observed on a date.
type TickerHistoryEntry struct {
	ID      string
	StockID string
	Date    Date
	Week    int
}

// NewScanResult projects a record's quote for a session.
func NewScanResult(session SessionType, rec *StockRecord) *ScanResult {
	return &ScanResult{
		StockID:       rec.ID,
		Ticker:        rec.Ticker,
		Session:       session,
		LastPrice:     rec.Quote.LastPrice,
		ChangePercent: rec.Quote.ChangePercent,
		Volume:        rec.Quote.Volume,
		FloatRotation: FloatRotation(rec.Quote.Volume, rec.Fundamentals.StockFloat),
		QuoteTime:     rec.Quote.QuoteTime,
	}
}

// FloatRotation returns volume / float, or nil when either is unknown or float is zero.
func FloatRotation(volume, float *int64) *float64 {
	if volume == nil || float == nil || *float == 0 {
		return nil
	}
	r := float64(*volume) / float64(*float)
	return &r
}
