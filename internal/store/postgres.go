package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// PostgresStore implements Gateway on the equities/session/schwab_access schemas.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// BuildConnString builds a postgres:// URL from the database config.
func BuildConnString(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// NewPostgresStore connects a pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
	}, nil
}

var postgresSchema = []string{
	`CREATE SCHEMA IF NOT EXISTS equities`,
	`CREATE SCHEMA IF NOT EXISTS pre_market`,
	`CREATE SCHEMA IF NOT EXISTS regular_market`,
	`CREATE SCHEMA IF NOT EXISTS after_market`,
	`CREATE SCHEMA IF NOT EXISTS schwab_access`,

	`CREATE TABLE IF NOT EXISTS equities.stock_data (
		stock_uuid UUID PRIMARY KEY,
		ticker TEXT NOT NULL UNIQUE,
		quote_time TIMESTAMPTZ,
		company_name TEXT,
		stock_float BIGINT,
		market_cap DOUBLE PRECISION,
		held_insiders DOUBLE PRECISION,
		held_institutions DOUBLE PRECISION,
		avg_one_day_volume DOUBLE PRECISION,
		avg_vol_ten_days DOUBLE PRECISION,
		avg_vol_three_months DOUBLE PRECISION,
		operating_cash_flow DOUBLE PRECISION,
		sector TEXT,
		industry TEXT,
		website TEXT,
		country TEXT,
		business_summary TEXT
	)`,
	// Quote and bookkeeping columns are additive so pre-existing deployments migrate in place.
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS last_price DOUBLE PRECISION`,
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS chg_percentage DOUBLE PRECISION`,
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS volume BIGINT`,
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS fundamentals_updated_at TIMESTAMPTZ`,
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS created_at TIMESTAMPTZ NOT NULL DEFAULT now()`,
	`ALTER TABLE equities.stock_data ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT now()`,

	`CREATE TABLE IF NOT EXISTS equities.stock_short_data (
		stock_uuid UUID PRIMARY KEY REFERENCES equities.stock_data(stock_uuid) ON DELETE CASCADE,
		ticker TEXT NOT NULL,
		shares_short BIGINT,
		short_ratio DOUBLE PRECISION,
		short_percent_float DOUBLE PRECISION,
		shares_percent_shares_outstanding DOUBLE PRECISION,
		shares_short_prior_month BIGINT,
		short_ratio_date TIMESTAMPTZ,
		shares_short_previous_month_date TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS equities.stock_news (
		stock_uuid UUID NOT NULL REFERENCES equities.stock_data(stock_uuid) ON DELETE CASCADE,
		uuid_news TEXT NOT NULL,
		ticker TEXT NOT NULL,
		title TEXT,
		publisher TEXT,
		link TEXT,
		publish_time TIMESTAMPTZ,
		type TEXT,
		related_tickers TEXT[],
		PRIMARY KEY (stock_uuid, uuid_news)
	)`,

	`CREATE TABLE IF NOT EXISTS equities.ticker_history (
		ticker_history_uuid UUID PRIMARY KEY,
		stock_uuid UUID NOT NULL REFERENCES equities.stock_data(stock_uuid) ON DELETE CASCADE,
		date DATE NOT NULL,
		week INTEGER NOT NULL,
		UNIQUE (stock_uuid, date)
	)`,

	scanTableDDL("pre_market.pre_market_scanner"),
	scanTableDDL("regular_market.regular_market_scanner"),
	scanTableDDL("after_market.after_market_scanner"),

	`CREATE TABLE IF NOT EXISTS schwab_access.schwab_access_refresh_token (
		access_refresh_token_uuid UUID PRIMARY KEY,
		time TIMESTAMPTZ NOT NULL,
		expires_in INTEGER NOT NULL,
		token_type TEXT,
		scope TEXT,
		refresh_token TEXT NOT NULL,
		access_token TEXT NOT NULL,
		id_token TEXT
	)`,
	`ALTER TABLE schwab_access.schwab_access_refresh_token ADD COLUMN IF NOT EXISTS refresh_issued_at TIMESTAMPTZ`,

	`CREATE INDEX IF NOT EXISTS idx_ticker_history_date ON equities.ticker_history(date)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_token_time ON schwab_access.schwab_access_refresh_token(time)`,
}

func scanTableDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		stock_uuid UUID PRIMARY KEY REFERENCES equities.stock_data(stock_uuid) ON DELETE CASCADE,
		ticker TEXT NOT NULL,
		quote_time TIMESTAMPTZ,
		last_price DOUBLE PRECISION,
		chg_percentage DOUBLE PRECISION,
		volume BIGINT,
		float_rotation DOUBLE PRECISION
	)`
}

// Migrate creates schemas, tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperrors.NewStorageError("migrate", "schema", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return apperrors.NewStorageError("migrate", "schema", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("migrate", "schema", err)
	}
	return nil
}

// Ping verifies the pool is healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.NewStorageError("ping", "", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return u, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// ============================================================================
// Stocks
// ============================================================================

// GetStockByTicker loads a stock and its short-interest row.
func (s *PostgresStore) GetStockByTicker(ctx context.Context, ticker string) (*models.StockRecord, error) {
	var (
		rec        models.StockRecord
		quoteTime  *time.Time
		fundAt     *time.Time
		createdAt  time.Time
		updatedAt  time.Time
		shortRatio *time.Time
		shortPrev  *time.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT d.stock_uuid::text, d.ticker, d.company_name,
			d.last_price, d.chg_percentage, d.volume, d.quote_time,
			d.market_cap, d.avg_one_day_volume, d.avg_vol_ten_days, d.avg_vol_three_months,
			d.stock_float, d.held_insiders, d.held_institutions, d.operating_cash_flow,
			d.sector, d.industry, d.website, d.country, d.business_summary,
			d.fundamentals_updated_at, d.created_at, d.updated_at,
			s.shares_short, s.short_ratio, s.short_percent_float,
			s.shares_percent_shares_outstanding, s.shares_short_prior_month,
			s.short_ratio_date, s.shares_short_previous_month_date
		FROM equities.stock_data d
		LEFT JOIN equities.stock_short_data s ON s.stock_uuid = d.stock_uuid
		WHERE d.ticker = $1
	`, ticker).Scan(
		&rec.ID, &rec.Ticker, &rec.CompanyName,
		&rec.Quote.LastPrice, &rec.Quote.ChangePercent, &rec.Quote.Volume, &quoteTime,
		&rec.Fundamentals.MarketCap, &rec.Fundamentals.AvgVolume1Day, &rec.Fundamentals.AvgVolume10Day, &rec.Fundamentals.AvgVolume3Month,
		&rec.Fundamentals.StockFloat, &rec.Fundamentals.HeldInsiders, &rec.Fundamentals.HeldInstitutions, &rec.Fundamentals.OperatingCashFlow,
		&rec.Fundamentals.Sector, &rec.Fundamentals.Industry, &rec.Fundamentals.Website, &rec.Fundamentals.Country, &rec.Fundamentals.BusinessSummary,
		&fundAt, &createdAt, &updatedAt,
		&rec.ShortInterest.SharesShort, &rec.ShortInterest.ShortRatio, &rec.ShortInterest.ShortPercentFloat,
		&rec.ShortInterest.SharesPercentSharesOutstanding, &rec.ShortInterest.SharesShortPriorMonth,
		&shortRatio, &shortPrev,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get stock", tableStocks, err)
	}

	if quoteTime != nil {
		rec.Quote.QuoteTime = *quoteTime
	}
	if fundAt != nil {
		rec.FundamentalsUpdatedAt = *fundAt
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	rec.ShortInterest.ShortRatioDate = shortRatio
	rec.ShortInterest.SharesShortPreviousMonthDate = shortPrev

	return &rec, nil
}

// UpsertStock writes the stock row and its short-interest row in one transaction.
func (s *PostgresStore) UpsertStock(ctx context.Context, rec *models.StockRecord) error {
	id, err := parseID(rec.ID)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", tableStocks, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperrors.NewStorageError("upsert stock", tableStocks, err)
	}
	defer tx.Rollback(ctx)

	f := rec.Fundamentals
	q := rec.Quote
	var storedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO equities.stock_data (
			stock_uuid, ticker, company_name,
			last_price, chg_percentage, volume, quote_time,
			market_cap, avg_one_day_volume, avg_vol_ten_days, avg_vol_three_months,
			stock_float, held_insiders, held_institutions, operating_cash_flow,
			sector, industry, website, country, business_summary,
			fundamentals_updated_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, now(), now())
		ON CONFLICT (ticker) DO UPDATE SET
			company_name = COALESCE(equities.stock_data.company_name, EXCLUDED.company_name),
			`+newerQuoteSet("equities.stock_data", "EXCLUDED", "last_price", "chg_percentage", "volume", "quote_time")+`,
			market_cap = EXCLUDED.market_cap,
			avg_one_day_volume = EXCLUDED.avg_one_day_volume,
			avg_vol_ten_days = EXCLUDED.avg_vol_ten_days,
			avg_vol_three_months = EXCLUDED.avg_vol_three_months,
			stock_float = EXCLUDED.stock_float,
			held_insiders = EXCLUDED.held_insiders,
			held_institutions = EXCLUDED.held_institutions,
			operating_cash_flow = EXCLUDED.operating_cash_flow,
			sector = EXCLUDED.sector,
			industry = EXCLUDED.industry,
			website = EXCLUDED.website,
			country = EXCLUDED.country,
			business_summary = EXCLUDED.business_summary,
			fundamentals_updated_at = EXCLUDED.fundamentals_updated_at,
			updated_at = now()
		RETURNING stock_uuid::text
	`,
		id, rec.Ticker, rec.CompanyName,
		q.LastPrice, q.ChangePercent, q.Volume, nullTime(q.QuoteTime),
		f.MarketCap, f.AvgVolume1Day, f.AvgVolume10Day, f.AvgVolume3Month,
		f.StockFloat, f.HeldInsiders, f.HeldInstitutions, f.OperatingCashFlow,
		f.Sector, f.Industry, f.Website, f.Country, f.BusinessSummary,
		nullTime(rec.FundamentalsUpdatedAt),
	).Scan(&storedID)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", tableStocks, err)
	}
	// Another session may have created the ticker first; its id wins.
	if id, err = parseID(storedID); err != nil {
		return apperrors.NewStorageError("upsert stock", tableStocks, err)
	}

	si := rec.ShortInterest
	_, err = tx.Exec(ctx, `
		INSERT INTO equities.stock_short_data (
			stock_uuid, ticker, shares_short, short_ratio, short_percent_float,
			shares_percent_shares_outstanding, shares_short_prior_month,
			short_ratio_date, shares_short_previous_month_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stock_uuid) DO UPDATE SET
			shares_short = EXCLUDED.shares_short,
			short_ratio = EXCLUDED.short_ratio,
			short_percent_float = EXCLUDED.short_percent_float,
			shares_percent_shares_outstanding = EXCLUDED.shares_percent_shares_outstanding,
			shares_short_prior_month = EXCLUDED.shares_short_prior_month,
			short_ratio_date = EXCLUDED.short_ratio_date,
			shares_short_previous_month_date = EXCLUDED.shares_short_previous_month_date
	`,
		id, rec.Ticker, si.SharesShort, si.ShortRatio, si.ShortPercentFloat,
		si.SharesPercentSharesOutstanding, si.SharesShortPriorMonth,
		si.ShortRatioDate, si.SharesShortPreviousMonthDate,
	)
	if err != nil {
		return apperrors.NewStorageError("upsert stock", tableShort, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("upsert stock", tableStocks, err)
	}
	rec.ID = storedID
	return nil
}

// ============================================================================
// Session projections
// ============================================================================

// UpsertScanResult writes the latest quote projection for a session.
func (s *PostgresStore) UpsertScanResult(ctx context.Context, res *models.ScanResult) error {
	table, err := scanTable(res.Session)
	if err != nil {
		return apperrors.NewStorageError("upsert scan result", "", err)
	}
	id, err := parseID(res.StockID)
	if err != nil {
		return apperrors.NewStorageError("upsert scan result", table, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+table+` (stock_uuid, ticker, quote_time, last_price, chg_percentage, volume, float_rotation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stock_uuid) DO UPDATE SET
			`+newerQuoteSet(table, "EXCLUDED", "quote_time", "last_price", "chg_percentage", "volume", "float_rotation")+`
	`, id, res.Ticker, nullTime(res.QuoteTime), res.LastPrice, res.ChangePercent, res.Volume, res.FloatRotation)
	if err != nil {
		return apperrors.NewStorageError("upsert scan result", table, err)
	}
	return nil
}

// ============================================================================
// Ticker history
// ============================================================================

// UpsertTickerHistory records that a stock was seen on entry.Date.
func (s *PostgresStore) UpsertTickerHistory(ctx context.Context, entry *models.TickerHistoryEntry) error {
	stockID, err := parseID(entry.StockID)
	if err != nil {
		return apperrors.NewStorageError("upsert history", tableHistory, err)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	id, err := parseID(entry.ID)
	if err != nil {
		return apperrors.NewStorageError("upsert history", tableHistory, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO equities.ticker_history (ticker_history_uuid, stock_uuid, date, week)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stock_uuid, date) DO NOTHING
	`, id, stockID, entry.Date.Time(), entry.Week)
	if err != nil {
		return apperrors.NewStorageError("upsert history", tableHistory, err)
	}
	return nil
}

// LastSeenDate returns the most recent history date of a stock.
func (s *PostgresStore) LastSeenDate(ctx context.Context, stockID string) (models.Date, bool, error) {
	id, err := parseID(stockID)
	if err != nil {
		return models.Date{}, false, apperrors.NewStorageError("last seen", tableHistory, err)
	}

	var last *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT max(date) FROM equities.ticker_history WHERE stock_uuid = $1
	`, id).Scan(&last)
	if err != nil {
		return models.Date{}, false, apperrors.NewStorageError("last seen", tableHistory, err)
	}
	if last == nil {
		return models.Date{}, false, nil
	}
	return models.DateOf(last.UTC()), true, nil
}

// ============================================================================
// News
// ============================================================================

// KnownNewsIDs returns which of externalIDs are already stored for the stock.
func (s *PostgresStore) KnownNewsIDs(ctx context.Context, stockID string, externalIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(externalIDs) == 0 {
		return known, nil
	}
	id, err := parseID(stockID)
	if err != nil {
		return nil, apperrors.NewStorageError("known news", tableNews, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT uuid_news FROM equities.stock_news
		WHERE stock_uuid = $1 AND uuid_news = ANY($2)
	`, id, externalIDs)
	if err != nil {
		return nil, apperrors.NewStorageError("known news", tableNews, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return nil, apperrors.NewStorageError("known news", tableNews, err)
		}
		known[ext] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("known news", tableNews, err)
	}
	return known, nil
}

// InsertNewsIfNew inserts a news item unless (stock, external id) exists.
func (s *PostgresStore) InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error) {
	id, err := parseID(item.StockID)
	if err != nil {
		return false, apperrors.NewStorageError("insert news", tableNews, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO equities.stock_news (stock_uuid, uuid_news, ticker, title, publisher, link, publish_time, type, related_tickers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stock_uuid, uuid_news) DO NOTHING
	`, id, item.ExternalID, item.Ticker, item.Title, item.Publisher, item.Link,
		nullTime(item.PublishTime), item.ContentType, item.RelatedTickers)
	if err != nil {
		return false, apperrors.NewStorageError("insert news", tableNews, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ============================================================================
// Credentials
// ============================================================================

// SaveCredential appends a credential row.
func (s *PostgresStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	id, err := parseID(cred.ID)
	if err != nil {
		return apperrors.NewStorageError("save credential", tableCredentials, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schwab_access.schwab_access_refresh_token (
			access_refresh_token_uuid, time, expires_in, token_type, scope,
			refresh_token, access_token, id_token, refresh_issued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, cred.IssuedAt.UTC(), int(cred.ExpiresIn/time.Second), cred.TokenType, cred.Scope,
		cred.RefreshToken, cred.AccessToken, cred.IDToken, nullTime(cred.RefreshIssuedAt))
	if err != nil {
		return apperrors.NewStorageError("save credential", tableCredentials, err)
	}
	return nil
}

// LoadLatestCredential returns the newest credential by issue time.
func (s *PostgresStore) LoadLatestCredential(ctx context.Context) (*models.Credential, error) {
	var (
		cred          models.Credential
		expiresIn     int
		tokenType     *string
		scope         *string
		idToken       *string
		refreshIssued *time.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT access_refresh_token_uuid::text, time, expires_in, token_type, scope,
			refresh_token, access_token, id_token, refresh_issued_at
		FROM schwab_access.schwab_access_refresh_token
		ORDER BY time DESC
		LIMIT 1
	`).Scan(&cred.ID, &cred.IssuedAt, &expiresIn, &tokenType, &scope,
		&cred.RefreshToken, &cred.AccessToken, &idToken, &refreshIssued)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load credential", tableCredentials, err)
	}

	cred.ExpiresIn = time.Duration(expiresIn) * time.Second
	cred.TokenType = models.Deref(tokenType)
	cred.Scope = models.Deref(scope)
	cred.IDToken = models.Deref(idToken)
	if refreshIssued != nil {
		cred.RefreshIssuedAt = *refreshIssued
	}
	return &cred, nil
}
