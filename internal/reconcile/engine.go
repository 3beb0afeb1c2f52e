// Package reconcile merges provider data into the canonical stock record and
// decides per ticker between a quote-only and a full refresh.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-scanner/internal/broker"
	"market-scanner/internal/enrich"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
)

// Outcome names the path a reconciliation took.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeFullRefresh Outcome = "full_refresh"
	OutcomeQuoteOnly   Outcome = "quote_only"
)

// Repository is the subset of the storage gateway the engine writes through.
type Repository interface {
	GetStockByTicker(ctx context.Context, ticker string) (*models.StockRecord, error)
	UpsertStock(ctx context.Context, rec *models.StockRecord) error
	UpsertScanResult(ctx context.Context, res *models.ScanResult) error
	UpsertTickerHistory(ctx context.Context, entry *models.TickerHistoryEntry) error
	LastSeenDate(ctx context.Context, stockID string) (models.Date, bool, error)
}

// NewsStore persists fetched news once per stock and returns what it stored.
type NewsStore interface {
	FilterNew(ctx context.Context, stock *models.StockRecord, items []models.NewsItem) ([]models.NewsItem, error)
}

// Result is the outcome of one reconciliation.
type Result struct {
	Record       *models.StockRecord
	Scan         *models.ScanResult
	Outcome      Outcome
	NewsInserted int
}

// Engine reconciles one ticker at a time.
type Engine struct {
	primary   broker.Provider
	secondary enrich.Provider
	repo      Repository
	news      NewsStore
	location  *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSecondary sets the enrichment provider. Without one, full refreshes
// only carry primary data.
func WithSecondary(p enrich.Provider) Option {
	return func(e *Engine) {
		e.secondary = p
	}
}

// WithNewsStore enables news storage on full refreshes.
func WithNewsStore(n NewsStore) Option {
	return func(e *Engine) {
		e.news = n
	}
}

// WithLocation sets the timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine over the primary provider and repository.
func NewEngine(primary broker.Provider, repo Repository, opts ...Option) *Engine {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	e := &Engine{
		primary:  primary,
		repo:     repo,
		location: loc,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "reconcile").Logger()
	return e
}

// Today returns the current calendar date in the market timezone.
func (e *Engine) Today() models.Date {
	return models.DateOf(e.now().In(e.location))
}

// Reconcile refreshes ticker and writes its session projection.
func (e *Engine) Reconcile(ctx context.Context, session models.SessionType, ticker string) (*models.StockRecord, *models.ScanResult, error) {
	res, err := e.Run(ctx, session, ticker)
	if err != nil {
		return nil, nil, err
	}
	return res.Record, res.Scan, nil
}

// primaryData is what the authenticated provider returned for a ticker.
type primaryData struct {
	quote        *broker.QuoteData
	fundamentals *broker.FundamentalSummary
	err          error
}

// Run reconciles ticker and reports which path it took.
//
// A record seen today gets its quote updated. A new record, or one last seen
// on an earlier date, gets a full refresh from both providers. History is
// marked only after the record and its scan result are stored.
func (e *Engine) Run(ctx context.Context, session models.SessionType, ticker string) (*Result, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	sessionLogger := logging.WithSession(e.logger, string(session))
	logger := logging.WithTicker(sessionLogger, ticker)
	start := time.Now()
	today := e.Today()

	p, err := e.fetchPrimary(ctx, ticker)
	if err != nil {
		return nil, err
	}

	rec, err := e.repo.GetStockByTicker(ctx, ticker)
	if err != nil {
		return nil, apperrors.Wrapf(err, "load %s", ticker)
	}

	var (
		outcome   Outcome
		lastSeen  models.Date
		seenAtAll bool
	)
	switch {
	case rec == nil:
		outcome = OutcomeCreated
	default:
		lastSeen, seenAtAll, err = e.repo.LastSeenDate(ctx, rec.ID)
		if err != nil {
			return nil, apperrors.Wrapf(err, "last seen %s", ticker)
		}
		if seenAtAll && !lastSeen.Before(today) {
			outcome = OutcomeQuoteOnly
		} else {
			outcome = OutcomeFullRefresh
		}
	}

	// Without a primary quote there is nothing to project. A brand new
	// ticker can still be created from the secondary profile.
	if p.err != nil && outcome != OutcomeCreated {
		return nil, p.err
	}

	now := e.now()
	if rec == nil {
		rec = &models.StockRecord{
			ID:        uuid.NewString(),
			Ticker:    ticker,
			CreatedAt: now,
		}
	}

	if p.quote != nil {
		MergeIdentity(rec, p.quote.CompanyName)
		if !MergeQuote(&rec.Quote, p.quote.Quote) {
			logger.Debug().
				Time("stored", rec.Quote.QuoteTime).
				Time("fetched", p.quote.Quote.QuoteTime).
				Msg("Fetched quote is older than stored quote")
		}
	}

	var news []models.NewsItem
	if outcome != OutcomeQuoteOnly {
		var secErr error
		news, secErr = e.fullRefresh(ctx, rec, p.fundamentals, logger)
		if p.err != nil && secErr != nil {
			return nil, apperrors.NewProviderError("reconcile", "full refresh", ticker, 0,
				apperrors.Join(p.err, secErr))
		}
		rec.FundamentalsUpdatedAt = now
	}
	rec.UpdatedAt = now

	if err := e.repo.UpsertStock(ctx, rec); err != nil {
		return nil, asStorageError(err, "upsert stock")
	}

	result := &Result{Record: rec, Outcome: outcome}
	if p.quote != nil {
		result.Scan = models.NewScanResult(session, rec)
		if err := e.repo.UpsertScanResult(ctx, result.Scan); err != nil {
			return nil, asStorageError(err, "upsert scan result")
		}
	}

	// News is stored before the day is marked so that a failed insert is
	// retried by the next cycle's full refresh.
	if len(news) > 0 && e.news != nil {
		inserted, err := e.news.FilterNew(ctx, rec, news)
		result.NewsInserted = len(inserted)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("error_kind", apperrors.Kind(err)).
				Msg("Failed to store news, day left unmarked")
			logging.LogReconcile(sessionLogger, ticker, string(outcome), time.Since(start), nil)
			return result, nil
		}
	}

	entry := &models.TickerHistoryEntry{
		ID:      uuid.NewString(),
		StockID: rec.ID,
		Date:    today,
		Week:    today.ISOWeek(),
	}
	if err := e.repo.UpsertTickerHistory(ctx, entry); err != nil {
		return nil, asStorageError(err, "upsert ticker history")
	}

	logging.LogReconcile(sessionLogger, ticker, string(outcome), time.Since(start), nil)
	return result, nil
}

// fetchPrimary returns an error only for failures the caller must see as is:
// an expired authorization, throttling and cancellation. Other provider
// failures are carried in primaryData.err.
func (e *Engine) fetchPrimary(ctx context.Context, ticker string) (primaryData, error) {
	var p primaryData

	quote, err := e.primary.GetQuote(ctx, ticker)
	if err != nil {
		if fatal(ctx, err) {
			return p, err
		}
		p.err = err
		return p, nil
	}
	p.quote = quote

	fundamentals, err := e.primary.GetFundamentals(ctx, ticker)
	if err != nil {
		if fatal(ctx, err) {
			return p, err
		}
		e.logger.Debug().Err(err).Str("ticker", ticker).Msg("Primary fundamentals unavailable")
	}
	p.fundamentals = fundamentals
	return p, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		apperrors.Is(err, apperrors.ErrAuthExpired) ||
		apperrors.Is(err, apperrors.ErrNotAuthenticated) ||
		apperrors.Is(err, apperrors.ErrRateLimited)
}

// fullRefresh merges fundamentals and short interest from both providers onto
// rec and returns the fetched news. The error is the company profile failure,
// which decides whether a ticker without a primary quote can be created.
func (e *Engine) fullRefresh(ctx context.Context, rec *models.StockRecord, summary *broker.FundamentalSummary, logger zerolog.Logger) ([]models.NewsItem, error) {
	var fetched models.Fundamentals
	summary.Apply(&fetched)

	if e.secondary == nil {
		MergeFundamentals(&rec.Fundamentals, fetched)
		if summary == nil {
			return nil, apperrors.NewProviderError("reconcile", "full refresh", rec.Ticker, 0, apperrors.ErrProvider)
		}
		return nil, nil
	}

	details, profileErr := e.secondary.GetCompanyDetails(ctx, rec.Ticker)
	if profileErr != nil {
		logger.Warn().Err(profileErr).Msg("Company details unavailable")
	} else {
		MergeIdentity(rec, details.CompanyName)
		details.Apply(&fetched)
	}

	if ownership, err := e.secondary.GetOwnership(ctx, rec.Ticker); err != nil {
		logger.Debug().Err(err).Msg("Ownership unavailable")
	} else {
		ownership.Apply(&fetched)
	}
	MergeFundamentals(&rec.Fundamentals, fetched)

	if short, err := e.secondary.GetShortInterest(ctx, rec.Ticker); err != nil {
		logger.Debug().Err(err).Msg("Short interest unavailable")
	} else if short != nil {
		MergeShortInterest(&rec.ShortInterest, *short)
	}

	news, err := e.secondary.GetNews(ctx, rec.Ticker)
	if err != nil {
		logger.Debug().Err(err).Msg("News unavailable")
	}
	return news, profileErr
}

func asStorageError(err error, op string) error {
	if apperrors.Is(err, apperrors.ErrStorage) {
		return err
	}
	return apperrors.NewStorageError(op, "", err)
}
