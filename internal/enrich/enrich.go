// Package enrich provides the secondary, unauthenticated data provider used
// for company profile, ownership, short interest and news.
package enrich

import (
	"context"

	"market-scanner/internal/models"
)

// Provider is best effort: fields the provider does not report are nil.
type Provider interface {
	GetCompanyDetails(ctx context.Context, symbol string) (*CompanyDetails, error)
	GetShortInterest(ctx context.Context, symbol string) (*models.ShortInterest, error)
	GetOwnership(ctx context.Context, symbol string) (*Ownership, error)
	GetNews(ctx context.Context, symbol string) ([]models.NewsItem, error)
}

// CompanyDetails is the company profile plus the fundamentals the secondary
// provider reports.
type CompanyDetails struct {
	CompanyName       *string
	MarketCap         *float64
	AvgVolume10Day    *float64
	AvgVolume3Month   *float64
	StockFloat        *int64
	OperatingCashFlow *float64
	Sector            *string
	Industry          *string
	Website           *string
	Country           *string
	BusinessSummary   *string
}

// Apply copies reported values onto f, leaving absent ones untouched.
// Market cap and average volumes only fill gaps left by the primary provider.
func (d *CompanyDetails) Apply(f *models.Fundamentals) {
	if d == nil {
		return
	}
	f.MarketCap = firstNonNil(f.MarketCap, d.MarketCap)
	f.AvgVolume10Day = firstNonNil(f.AvgVolume10Day, d.AvgVolume10Day)
	f.AvgVolume3Month = firstNonNil(f.AvgVolume3Month, d.AvgVolume3Month)
	f.StockFloat = firstNonNil(d.StockFloat, f.StockFloat)
	f.OperatingCashFlow = firstNonNil(d.OperatingCashFlow, f.OperatingCashFlow)
	f.Sector = firstNonNil(d.Sector, f.Sector)
	f.Industry = firstNonNil(d.Industry, f.Industry)
	f.Website = firstNonNil(d.Website, f.Website)
	f.Country = firstNonNil(d.Country, f.Country)
	f.BusinessSummary = firstNonNil(d.BusinessSummary, f.BusinessSummary)
}

// Ownership holds the insider and institutional holding fractions.
type Ownership struct {
	HeldInsiders     *float64
	HeldInstitutions *float64
}

// Apply copies reported values onto f.
func (o *Ownership) Apply(f *models.Fundamentals) {
	if o == nil {
		return
	}
	f.HeldInsiders = firstNonNil(o.HeldInsiders, f.HeldInsiders)
	f.HeldInstitutions = firstNonNil(o.HeldInstitutions, f.HeldInstitutions)
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}
