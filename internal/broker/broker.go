// Package broker provides the authenticated primary market data provider.
package broker

import (
	"context"

	"market-scanner/internal/models"
)

// Provider defines the primary market data operations the scanner depends on.
type Provider interface {
	// GetQuote returns the latest quote and the company description.
	GetQuote(ctx context.Context, symbol string) (*QuoteData, error)

	// GetFundamentals returns the fundamentals summary.
	GetFundamentals(ctx context.Context, symbol string) (*FundamentalSummary, error)

	// GetMovers returns the top movers of an index ordered by sort.
	GetMovers(ctx context.Context, index, sort string) ([]Mover, error)
}

// TokenSource supplies bearer tokens. It is satisfied by *auth.Manager.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (*models.Credential, error)
}

// QuoteData is a single-symbol quote.
type QuoteData struct {
	Symbol      string
	CompanyName *string
	Quote       models.Quote
}

// FundamentalSummary holds the fundamentals the primary provider reports.
type FundamentalSummary struct {
	MarketCap       *float64
	AvgVolume1Day   *float64
	AvgVolume10Day  *float64
	AvgVolume3Month *float64
}

// Apply copies the reported values onto f, leaving absent ones untouched.
func (s *FundamentalSummary) Apply(f *models.Fundamentals) {
	if s == nil {
		return
	}
	if s.MarketCap != nil {
		f.MarketCap = s.MarketCap
	}
	if s.AvgVolume1Day != nil {
		f.AvgVolume1Day = s.AvgVolume1Day
	}
	if s.AvgVolume10Day != nil {
		f.AvgVolume10Day = s.AvgVolume10Day
	}
	if s.AvgVolume3Month != nil {
		f.AvgVolume3Month = s.AvgVolume3Month
	}
}

// Mover is one entry of a movers screener.
type Mover struct {
	Symbol        string
	Description   string
	LastPrice     float64
	ChangePercent float64
	Volume        int64
}

// Mover indices and sort orders.
const (
	IndexEquityAll      = "EQUITY_ALL"
	IndexNYSE           = "NYSE"
	IndexNASDAQ         = "NASDAQ"
	SortPercentChangeUp = "PERCENT_CHANGE_UP"
	SortVolume          = "VOLUME"
	SortTrades          = "TRADES"
)
