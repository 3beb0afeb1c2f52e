package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// SQLiteStore implements Gateway using SQLite. Schema-qualified Postgres
// table names are flattened, e.g. equities.stock_data -> equities_stock_data.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent session loops
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &SQLiteStore{db: db}, nil
}

func flat(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Canonical per-ticker record
	CREATE TABLE IF NOT EXISTS equities_stock_data (
		stock_uuid TEXT PRIMARY KEY,
		ticker TEXT NOT NULL UNIQUE,
		company_name TEXT,
		last_price REAL,
		chg_percentage REAL,
		volume INTEGER,
		quote_time DATETIME,
		market_cap REAL,
		avg_one_day_volume REAL,
		avg_vol_ten_days REAL,
		avg_vol_three_months REAL,
		stock_float INTEGER,
		held_insiders REAL,
		held_institutions REAL,
		operating_cash_flow REAL,
		sector TEXT,
		industry TEXT,
		website TEXT,
		country TEXT,
		business_summary TEXT,
		fundamentals_updated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Short interest, one row per stock
	CREATE TABLE IF NOT EXISTS equities_stock_short_data (
		stock_uuid TEXT PRIMARY KEY REFERENCES equities_stock_data(stock_uuid) ON DELETE CASCADE,
		ticker TEXT NOT NULL,
		shares_short INTEGER,
		short_ratio REAL,
		short_percent_float REAL,
		shares_percent_shares_outstanding REAL,
		shares_short_prior_month INTEGER,
		short_ratio_date DATETIME,
		shares_short_previous_month_date DATETIME
	);

	-- News, unique per (stock, external id)
	CREATE TABLE IF NOT EXISTS equities_stock_news (
		stock_uuid TEXT NOT NULL REFERENCES equities_stock_data(stock_uuid) ON DELETE CASCADE,
		uuid_news TEXT NOT NULL,
		ticker TEXT NOT NULL,
		title TEXT,
		publisher TEXT,
		link TEXT,
		publish_time DATETIME,
		type TEXT,
		related_tickers TEXT,
		PRIMARY KEY (stock_uuid, uuid_news)
	);

	-- Days on which a stock was observed
	CREATE TABLE IF NOT EXISTS equities_ticker_history (
		ticker_history_uuid TEXT PRIMARY KEY,
		stock_uuid TEXT NOT NULL REFERENCES equities_stock_data(stock_uuid) ON DELETE CASCADE,
		date TEXT NOT NULL,
		week INTEGER NOT NULL,
		UNIQUE (stock_uuid, date)
	);

	-- Append-only OAuth credentials
	CREATE TABLE IF NOT EXISTS schwab_access_schwab_access_refresh_token (
		access_refresh_token_uuid TEXT PRIMARY KEY,
		time DATETIME NOT NULL,
		expires_in INTEGER NOT NULL,
		token_type TEXT,
		scope TEXT,
		refresh_token TEXT NOT NULL,
		access_token TEXT NOT NULL,
		id_token TEXT,
		refresh_issued_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_ticker_history_date ON equities_ticker_history(date);
	CREATE INDEX IF NOT EXISTS idx_refresh_token_time ON schwab_access_schwab_access_refresh_token(time);
	`

	for _, session := range models.AllSessions {
		table, _ := scanTable(session)
		schema += `
	CREATE TABLE IF NOT EXISTS ` + flat(table) + ` (
		stock_uuid TEXT PRIMARY KEY REFERENCES equities_stock_data(stock_uuid) ON DELETE CASCADE,
		ticker TEXT NOT NULL,
		quote_time DATETIME,
		last_price REAL,
		chg_percentage REAL,
		volume INTEGER,
		float_rotation REAL
	);
	`
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return apperrors.NewStorageError("migrate", "schema", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewStorageError("ping", "", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlTime maps the zero time to NULL and normalizes to UTC.
func sqlTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func sqlTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

// ============================================================================
// Stocks
// ============================================================================

// GetStockByTicker loads a stock and its short-interest row.
func (s *SQLiteStore) GetStockByTicker(ctx context.Context, ticker string) (*models.StockRecord, error) {
	var (
		rec       models.StockRecord
		quoteTime sql.NullTime
		fundAt    sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT d.stock_uuid, d.ticker, d.company_name,
			d.last_price, d.chg_percentage, d.volume, d.quote_time,
			d.market_cap, d.avg_one_day_volume, d.avg_vol_ten_days, d.avg_vol_three_months,
			d.stock_float, d.held_insiders, d.held_institutions, d.operating_cash_flow,
			d.sector, d.industry, d.website, d.country, d.business_summary,
			d.fundamentals_updated_at, d.created_at, d.updated_at,
			s.shares_short, s.short_ratio, s.short_percent_float,
			s.shares_percent_shares_outstanding, s.shares_short_prior_month,
			s.short_ratio_date, s.shares_short_previous_month_date
		FROM equities_stock_data d
		LEFT JOIN equities_stock_short_data s ON s.stock_uuid = d.stock_uuid
		WHERE d.ticker = ?
	`, ticker).Scan(
		&rec.ID, &rec.Ticker, &rec.CompanyName,
		&rec.Quote.LastPrice, &rec.Quote.ChangePercent, &rec.Quote.Volume, &quoteTime,
		&rec.Fundamentals.MarketCap, &rec.Fundamentals.AvgVolume1Day, &rec.Fundamentals.AvgVolume10Day, &rec.Fundamentals.AvgVolume3Month,
		&rec.Fundamentals.StockFloat, &rec.Fundamentals.HeldInsiders, &rec.Fundamentals.HeldInstitutions, &rec.Fundamentals.OperatingCashFlow,
		&rec.Fundamentals.Sector, &rec.Fundamentals.Industry, &rec.Fundamentals.Website, &rec.Fundamentals.Country, &rec.Fundamentals.BusinessSummary,
		&fundAt, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.ShortInterest.SharesShort, &rec.ShortInterest.ShortRatio, &rec.ShortInterest.ShortPercentFloat,
		&rec.ShortInterest.SharesPercentSharesOutstanding, &rec.ShortInterest.SharesShortPriorMonth,
		&rec.ShortInterest.ShortRatioDate, &rec.ShortInterest.SharesShortPreviousMonthDate,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get stock", flat(tableStocks), err)
	}

	if quoteTime.Valid {
		rec.Quote.QuoteTime = quoteTime.Time
	}
	if fundAt.Valid {
		rec.FundamentalsUpdatedAt = fundAt.Time
	}
	return &rec, nil
}

// UpsertStock writes the stock row and its short-interest row in one transaction.
func (s *SQLiteStore) UpsertStock(ctx context.Context, rec *models.StockRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", flat(tableStocks), fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	f := rec.Fundamentals
	q := rec.Quote
	var storedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO equities_stock_data (
			stock_uuid, ticker, company_name,
			last_price, chg_percentage, volume, quote_time,
			market_cap, avg_one_day_volume, avg_vol_ten_days, avg_vol_three_months,
			stock_float, held_insiders, held_institutions, operating_cash_flow,
			sector, industry, website, country, business_summary,
			fundamentals_updated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			company_name = COALESCE(company_name, excluded.company_name),
			`+newerQuoteSet("equities_stock_data", "excluded", "last_price", "chg_percentage", "volume", "quote_time")+`,
			market_cap = excluded.market_cap,
			avg_one_day_volume = excluded.avg_one_day_volume,
			avg_vol_ten_days = excluded.avg_vol_ten_days,
			avg_vol_three_months = excluded.avg_vol_three_months,
			stock_float = excluded.stock_float,
			held_insiders = excluded.held_insiders,
			held_institutions = excluded.held_institutions,
			operating_cash_flow = excluded.operating_cash_flow,
			sector = excluded.sector,
			industry = excluded.industry,
			website = excluded.website,
			country = excluded.country,
			business_summary = excluded.business_summary,
			fundamentals_updated_at = excluded.fundamentals_updated_at,
			updated_at = excluded.updated_at
		RETURNING stock_uuid
	`,
		rec.ID, rec.Ticker, rec.CompanyName,
		q.LastPrice, q.ChangePercent, q.Volume, sqlTime(q.QuoteTime),
		f.MarketCap, f.AvgVolume1Day, f.AvgVolume10Day, f.AvgVolume3Month,
		f.StockFloat, f.HeldInsiders, f.HeldInstitutions, f.OperatingCashFlow,
		f.Sector, f.Industry, f.Website, f.Country, f.BusinessSummary,
		sqlTime(rec.FundamentalsUpdatedAt), now, now,
	).Scan(&storedID)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", flat(tableStocks), err)
	}

	si := rec.ShortInterest
	_, err = tx.ExecContext(ctx, `
		INSERT INTO equities_stock_short_data (
			stock_uuid, ticker, shares_short, short_ratio, short_percent_float,
			shares_percent_shares_outstanding, shares_short_prior_month,
			short_ratio_date, shares_short_previous_month_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stock_uuid) DO UPDATE SET
			shares_short = excluded.shares_short,
			short_ratio = excluded.short_ratio,
			short_percent_float = excluded.short_percent_float,
			shares_percent_shares_outstanding = excluded.shares_percent_shares_outstanding,
			shares_short_prior_month = excluded.shares_short_prior_month,
			short_ratio_date = excluded.short_ratio_date,
			shares_short_previous_month_date = excluded.shares_short_previous_month_date
	`,
		storedID, rec.Ticker, si.SharesShort, si.ShortRatio, si.ShortPercentFloat,
		si.SharesPercentSharesOutstanding, si.SharesShortPriorMonth,
		sqlTimePtr(si.ShortRatioDate), sqlTimePtr(si.SharesShortPreviousMonthDate),
	)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", flat(tableShort), err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorageError("upsert stock", flat(tableStocks), fmt.Errorf("failed to commit transaction: %w", err))
	}
	rec.ID = storedID
	return nil
}

// ============================================================================
// Session projections
// ============================================================================

// UpsertScanResult writes the latest quote projection for a session.
func (s *SQLiteStore) UpsertScanResult(ctx context.Context, res *models.ScanResult) error {
	table, err := scanTable(res.Session)
	if err != nil {
		return apperrors.NewStorageError("upsert scan result", "", err)
	}
	table = flat(table)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (stock_uuid, ticker, quote_time, last_price, chg_percentage, volume, float_rotation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stock_uuid) DO UPDATE SET
			`+newerQuoteSet(table, "excluded", "quote_time", "last_price", "chg_percentage", "volume", "float_rotation")+`
	`, res.StockID, res.Ticker, sqlTime(res.QuoteTime), res.LastPrice, res.ChangePercent, res.Volume, res.FloatRotation)
	if err != nil {
		return apperrors.NewStorageError("upsert scan result", table, err)
	}
	return nil
}

// getScanResult reads back a session projection.
func (s *SQLiteStore) getScanResult(ctx context.Context, session models.SessionType, stockID string) (*models.ScanResult, error) {
	table, err := scanTable(session)
	if err != nil {
		return nil, err
	}

	res := models.ScanResult{Session: session}
	var quoteTime sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT stock_uuid, ticker, quote_time, last_price, chg_percentage, volume, float_rotation
		FROM `+flat(table)+` WHERE stock_uuid = ?
	`, stockID).Scan(&res.StockID, &res.Ticker, &quoteTime, &res.LastPrice, &res.ChangePercent, &res.Volume, &res.FloatRotation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if quoteTime.Valid {
		res.QuoteTime = quoteTime.Time
	}
	return &res, nil
}

// ============================================================================
// Ticker history
// ============================================================================

// UpsertTickerHistory records that a stock was seen on entry.Date.
func (s *SQLiteStore) UpsertTickerHistory(ctx context.Context, entry *models.TickerHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO equities_ticker_history (ticker_history_uuid, stock_uuid, date, week)
		VALUES (?, ?, ?, ?)
	`, entry.ID, entry.StockID, entry.Date.String(), entry.Week)
	if err != nil {
		return apperrors.NewStorageError("upsert history", flat(tableHistory), err)
	}
	return nil
}

// LastSeenDate returns the most recent history date of a stock.
func (s *SQLiteStore) LastSeenDate(ctx context.Context, stockID string) (models.Date, bool, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(date) FROM equities_ticker_history WHERE stock_uuid = ?
	`, stockID).Scan(&last)
	if err != nil {
		return models.Date{}, false, apperrors.NewStorageError("last seen", flat(tableHistory), err)
	}
	if !last.Valid {
		return models.Date{}, false, nil
	}

	d, err := models.ParseDate(last.String)
	if err != nil {
		return models.Date{}, false, apperrors.NewStorageError("last seen", flat(tableHistory), err)
	}
	return d, true, nil
}

// ============================================================================
// News
// ============================================================================

// KnownNewsIDs returns which of externalIDs are already stored for the stock.
func (s *SQLiteStore) KnownNewsIDs(ctx context.Context, stockID string, externalIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(externalIDs) == 0 {
		return known, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",")
	args := make([]interface{}, 0, len(externalIDs)+1)
	args = append(args, stockID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid_news FROM equities_stock_news
		WHERE stock_uuid = ? AND uuid_news IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, apperrors.NewStorageError("known news", flat(tableNews), err)
	}
	defer rows.Close()

	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return nil, apperrors.NewStorageError("known news", flat(tableNews), err)
		}
		known[ext] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("known news", flat(tableNews), err)
	}
	return known, nil
}

// InsertNewsIfNew inserts a news item unless (stock, external id) exists.
func (s *SQLiteStore) InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error) {
	related, err := json.Marshal(item.RelatedTickers)
	if err != nil {
		return false, apperrors.NewStorageError("insert news", flat(tableNews), err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO equities_stock_news (stock_uuid, uuid_news, ticker, title, publisher, link, publish_time, type, related_tickers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.StockID, item.ExternalID, item.Ticker, item.Title, item.Publisher, item.Link,
		sqlTime(item.PublishTime), item.ContentType, string(related))
	if err != nil {
		return false, apperrors.NewStorageError("insert news", flat(tableNews), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewStorageError("insert news", flat(tableNews), err)
	}
	return n == 1, nil
}

// ============================================================================
// Credentials
// ============================================================================

// SaveCredential appends a credential row.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schwab_access_schwab_access_refresh_token (
			access_refresh_token_uuid, time, expires_in, token_type, scope,
			refresh_token, access_token, id_token, refresh_issued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cred.ID, cred.IssuedAt.UTC(), int(cred.ExpiresIn/time.Second), cred.TokenType, cred.Scope,
		cred.RefreshToken, cred.AccessToken, cred.IDToken, sqlTime(cred.RefreshIssuedAt))
	if err != nil {
		return apperrors.NewStorageError("save credential", flat(tableCredentials), err)
	}
	return nil
}

// LoadLatestCredential returns the newest credential by issue time.
func (s *SQLiteStore) LoadLatestCredential(ctx context.Context) (*models.Credential, error) {
	var (
		cred          models.Credential
		expiresIn     int64
		tokenType     sql.NullString
		scope         sql.NullString
		idToken       sql.NullString
		refreshIssued sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT access_refresh_token_uuid, time, expires_in, token_type, scope,
			refresh_token, access_token, id_token, refresh_issued_at
		FROM schwab_access_schwab_access_refresh_token
		ORDER BY time DESC
		LIMIT 1
	`).Scan(&cred.ID, &cred.IssuedAt, &expiresIn, &tokenType, &scope,
		&cred.RefreshToken, &cred.AccessToken, &idToken, &refreshIssued)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load credential", flat(tableCredentials), err)
	}

	cred.ExpiresIn = time.Duration(expiresIn) * time.Second
	cred.TokenType = tokenType.String
	cred.Scope = scope.String
	cred.IDToken = idToken.String
	if refreshIssued.Valid {
		cred.RefreshIssuedAt = refreshIssued.Time
	}
	return &cred, nil
}
