// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"market-scanner/internal/config"
	"market-scanner/internal/models"
)

// Gateway defines the persistence operations the scanner needs.
// Every write is an upsert or insert-if-absent so concurrent session loops
// converge on the same rows.
type Gateway interface {
	// Stocks
	// GetStockByTicker returns nil, nil when the ticker has never been stored.
	GetStockByTicker(ctx context.Context, ticker string) (*models.StockRecord, error)
	UpsertStock(ctx context.Context, rec *models.StockRecord) error

	// Session projections
	UpsertScanResult(ctx context.Context, res *models.ScanResult) error

	// Ticker history
	UpsertTickerHistory(ctx context.Context, entry *models.TickerHistoryEntry) error
	// LastSeenDate returns false when the stock has no history.
	LastSeenDate(ctx context.Context, stockID string) (models.Date, bool, error)

	// News
	KnownNewsIDs(ctx context.Context, stockID string, externalIDs []string) (map[string]bool, error)
	// InsertNewsIfNew reports whether a row was written.
	InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error)

	// Credentials
	SaveCredential(ctx context.Context, cred *models.Credential) error
	// LoadLatestCredential returns nil, nil when nothing was ever saved.
	LoadLatestCredential(ctx context.Context) (*models.Credential, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the gateway selected by cfg.Driver and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)

	switch cfg.Driver {
	case "postgres":
		gw, err = NewPostgresStore(ctx, cfg, logger)
	case "sqlite":
		gw, err = NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		gw = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := gw.Migrate(ctx); err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Driver, err)
	}

	logger.Debug().Str("driver", cfg.Driver).Msg("Storage gateway ready")
	return gw, nil
}

// Table names. Postgres uses the schema-qualified form; SQLite flattens
// "schema.table" to "schema_table".
const (
	tableStocks      = "equities.stock_data"
	tableShort       = "equities.stock_short_data"
	tableNews        = "equities.stock_news"
	tableHistory     = "equities.ticker_history"
	tableCredentials = "schwab_access.schwab_access_refresh_token"
)

// scanTable returns the per-session projection table.
func scanTable(session models.SessionType) (string, error) {
	switch session {
	case models.SessionPreMarket:
		return "pre_market.pre_market_scanner", nil
	case models.SessionRegularMarket:
		return "regular_market.regular_market_scanner", nil
	case models.SessionAfterMarket:
		return "after_market.after_market_scanner", nil
	default:
		return "", fmt.Errorf("unknown session %q", session)
	}
}

// newerQuoteSet renders ON CONFLICT assignments for cols that only take the
// incoming value when its quote_time is not older than the stored one. A row
// without a quote_time accepts anything; an untimed quote never replaces a
// timed one. target names the stored row and excluded the proposed one.
func newerQuoteSet(target, excluded string, cols ...string) string {
	newer := fmt.Sprintf("(%[1]s.quote_time IS NULL OR %[2]s.quote_time >= %[1]s.quote_time)", target, excluded)
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%[1]s = CASE WHEN %[2]s THEN %[3]s.%[1]s ELSE %[4]s.%[1]s END", col, newer, excluded, target)
	}
	return strings.Join(sets, ",\n\t\t\t")
}
