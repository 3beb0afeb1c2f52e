package reconcile

import (
	"market-scanner/internal/models"
)

// MergeQuote replaces dst with q when q is at least as recent. It reports
// whether dst changed. A quote without a time never replaces a timed one.
func MergeQuote(dst *models.Quote, q models.Quote) bool {
	if models.QuoteOlder(q.QuoteTime, dst.QuoteTime) {
		return false
	}
	*dst = q
	return true
}

// MergeIdentity sets the company name once.
func MergeIdentity(rec *models.StockRecord, name *string) {
	if rec.CompanyName == nil && name != nil && *name != "" {
		rec.CompanyName = name
	}
}

// MergeFundamentals overwrites dst with every field src reports. Absent
// fields keep their previous value.
func MergeFundamentals(dst *models.Fundamentals, src models.Fundamentals) {
	dst.MarketCap = keep(dst.MarketCap, src.MarketCap)
	dst.AvgVolume1Day = keep(dst.AvgVolume1Day, src.AvgVolume1Day)
	dst.AvgVolume10Day = keep(dst.AvgVolume10Day, src.AvgVolume10Day)
	dst.AvgVolume3Month = keep(dst.AvgVolume3Month, src.AvgVolume3Month)
	dst.StockFloat = keep(dst.StockFloat, src.StockFloat)
	dst.HeldInsiders = keep(dst.HeldInsiders, src.HeldInsiders)
	dst.HeldInstitutions = keep(dst.HeldInstitutions, src.HeldInstitutions)
	dst.OperatingCashFlow = keep(dst.OperatingCashFlow, src.OperatingCashFlow)
	dst.Sector = keep(dst.Sector, src.Sector)
	dst.Industry = keep(dst.Industry, src.Industry)
	dst.Website = keep(dst.Website, src.Website)
	dst.Country = keep(dst.Country, src.Country)
	dst.BusinessSummary = keep(dst.BusinessSummary, src.BusinessSummary)
}

// MergeShortInterest overwrites dst with every field src reports.
func MergeShortInterest(dst *models.ShortInterest, src models.ShortInterest) {
	dst.SharesShort = keep(dst.SharesShort, src.SharesShort)
	dst.ShortRatio = keep(dst.ShortRatio, src.ShortRatio)
	dst.ShortPercentFloat = keep(dst.ShortPercentFloat, src.ShortPercentFloat)
	dst.SharesPercentSharesOutstanding = keep(dst.SharesPercentSharesOutstanding, src.SharesPercentSharesOutstanding)
	dst.SharesShortPriorMonth = keep(dst.SharesShortPriorMonth, src.SharesShortPriorMonth)
	dst.ShortRatioDate = keep(dst.ShortRatioDate, src.ShortRatioDate)
	dst.SharesShortPreviousMonthDate = keep(dst.SharesShortPreviousMonthDate, src.SharesShortPreviousMonthDate)
}

func keep[T any](old, fetched *T) *T {
	if fetched != nil {
		return fetched
	}
	return old
}
