package cli

import (
	"fmt"
	"strings"
	"time"

	"market-scanner/internal/models"
	"market-scanner/pkg/utils"
)

// displayLocation is the timezone timestamps are shown in.
var displayLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// FormatPrice formats an optional price in dollars.
func FormatPrice(price *float64) string {
	return utils.FormatOptionalFloat(price, utils.FormatUSD)
}

// FormatChange formats an optional percent change with sign.
func FormatChange(pct *float64) string {
	return utils.FormatOptionalFloat(pct, utils.FormatPercent)
}

// FormatShares formats an optional share count.
func FormatShares(v *int64) string {
	if v == nil {
		return "-"
	}
	return utils.FormatVolume(*v)
}

// FormatRotation formats a float rotation as a multiple, e.g. "2.35x".
func FormatRotation(r *float64) string {
	return utils.FormatOptionalFloat(r, func(v float64) string {
		return fmt.Sprintf("%.2fx", v)
	})
}

// FormatMarketCap formats an optional market cap with a K/M/B/T suffix.
func FormatMarketCap(v *float64) string {
	return utils.FormatOptionalFloat(v, func(f float64) string {
		return "$" + utils.FormatCompact(f)
	})
}

// FormatText renders an optional string, truncated to maxLen.
func FormatText(s *string, maxLen int) string {
	if s == nil || *s == "" {
		return "-"
	}
	return TruncateString(*s, maxLen)
}

// FormatTime formats a time in market time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(displayLocation).Format("15:04:05")
}

// FormatDateTime formats a datetime in market time.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(displayLocation).Format("02-Jan-2006 15:04:05 MST")
}

// ScanRow returns the table cells for a session projection.
func ScanRow(r *models.ScanResult) []string {
	return []string{
		r.Ticker,
		FormatPrice(r.LastPrice),
		FormatChange(r.ChangePercent),
		FormatShares(r.Volume),
		FormatRotation(r.FloatRotation),
		FormatTime(r.QuoteTime),
	}
}

// ScanHeaders are the column names matching ScanRow.
var ScanHeaders = []string{"Ticker", "Last", "Change", "Volume", "Rotation", "Quote Time"}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
