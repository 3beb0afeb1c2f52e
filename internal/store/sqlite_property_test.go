package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"market-scanner/internal/models"
)

// Feature: market-scanner, Property 1: Upserts converge
//
// Property: applying the same sequence of stock, history and news writes any
// number of times leaves exactly one row per natural key, and the last stock
// write with the same quote time wins for quote fields.
func TestProperty_SQLiteUpsertsConverge(t *testing.T) {
	dbPath := "test_upserts_property.db"
	defer os.Remove(dbPath)
	defer os.Remove(dbPath + "-wal")
	defer os.Remove(dbPath + "-shm")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Repeated writes leave one row per key", prop.ForAll(
		func(repeats int, days int, newsCount int, price float64) bool {
			ctx := context.Background()
			ticker := fmt.Sprintf("T%s", uuid.NewString()[:8])
			rec := sampleRecord(ticker)

			start := models.Date{Year: 2024, Month: time.January, Day: 1}
			var lastPrice float64
			for r := 0; r < repeats; r++ {
				lastPrice = price + float64(r)
				rec.Quote.LastPrice = models.Ptr(lastPrice)
				if err := store.UpsertStock(ctx, rec); err != nil {
					t.Logf("upsert stock: %v", err)
					return false
				}

				for d := 0; d < days; d++ {
					date := models.DateOf(start.Time().AddDate(0, 0, d))
					if err := store.UpsertTickerHistory(ctx, &models.TickerHistoryEntry{
						StockID: rec.ID, Date: date, Week: date.ISOWeek(),
					}); err != nil {
						t.Logf("upsert history: %v", err)
						return false
					}
				}

				for n := 0; n < newsCount; n++ {
					if _, err := store.InsertNewsIfNew(ctx, &models.NewsItem{
						StockID: rec.ID, Ticker: ticker, ExternalID: fmt.Sprintf("news-%d", n),
					}); err != nil {
						t.Logf("insert news: %v", err)
						return false
					}
				}
			}

			var historyRows, newsRows int
			if err := store.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM equities_ticker_history WHERE stock_uuid = ?`, rec.ID).Scan(&historyRows); err != nil {
				return false
			}
			if err := store.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM equities_stock_news WHERE stock_uuid = ?`, rec.ID).Scan(&newsRows); err != nil {
				return false
			}
			if historyRows != days || newsRows != newsCount {
				t.Logf("rows: history=%d/%d news=%d/%d", historyRows, days, newsRows, newsCount)
				return false
			}

			got, err := store.GetStockByTicker(ctx, ticker)
			if err != nil || got == nil {
				return false
			}
			return got.ID == rec.ID && floatEqual(models.Deref(got.Quote.LastPrice), lastPrice, 1e-9)
		},
		gen.IntRange(1, 4),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.Float64Range(0.5, 500.0),
	))

	properties.Property("Last seen date is the maximum history date", prop.ForAll(
		func(offsets []int) bool {
			ctx := context.Background()
			rec := sampleRecord(fmt.Sprintf("L%s", uuid.NewString()[:8]))
			if err := store.UpsertStock(ctx, rec); err != nil {
				return false
			}

			start := models.Date{Year: 2023, Month: time.June, Day: 1}
			var want models.Date
			for i, off := range offsets {
				date := models.DateOf(start.Time().AddDate(0, 0, off))
				if i == 0 || want.Before(date) {
					want = date
				}
				if err := store.UpsertTickerHistory(ctx, &models.TickerHistoryEntry{
					StockID: rec.ID, Date: date, Week: date.ISOWeek(),
				}); err != nil {
					return false
				}
			}

			got, ok, err := store.LastSeenDate(ctx, rec.ID)
			if err != nil {
				return false
			}
			if len(offsets) == 0 {
				return !ok
			}
			return ok && got == want
		},
		gen.SliceOf(gen.IntRange(0, 400)),
	))

	properties.TestingRun(t)
}

// floatEqual compares two floats with a tolerance.
func floatEqual(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
