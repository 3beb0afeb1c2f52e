package enrich

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
	"golang.org/x/sync/singleflight"

	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
	"market-scanner/pkg/utils"
)

const providerName = "yahoo"

// DefaultInfoTTL is how long a fetched profile serves the detail, ownership
// and short interest calls of one reconcile.
const DefaultInfoTTL = 5 * time.Minute

// infoTimeout bounds a shared fetch that outlives the caller that started it.
const infoTimeout = 30 * time.Second

// InfoSnapshot is the subset of the Yahoo quote summary the scanner reads.
type InfoSnapshot struct {
	LongName                     string
	ShortName                    string
	MarketCap                    float64
	AverageVolume                float64
	AverageVolume10Days          float64
	FloatShares                  int64
	HeldPercentInsiders          float64
	HeldPercentInstitutions      float64
	OperatingCashflow            float64
	Sector                       string
	Industry                     string
	Website                      string
	Country                      string
	LongBusinessSummary          string
	SharesShort                  int64
	ShortRatio                   float64
	ShortPercentOfFloat          float64
	SharesPercentSharesOut       float64
	SharesShortPriorMonth        int64
	DateShortInterest            int64
	SharesShortPreviousMonthDate int64
}

// InfoFetcher loads the quote summary for a symbol.
type InfoFetcher func(ctx context.Context, symbol string) (*InfoSnapshot, error)

type cachedInfo struct {
	info      *InfoSnapshot
	fetchedAt time.Time
}

// YahooProvider implements Provider on Yahoo Finance.
type YahooProvider struct {
	fetch  InfoFetcher
	news   *NewsClient
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedInfo
	group singleflight.Group
}

// YahooOption configures a YahooProvider.
type YahooOption func(*YahooProvider)

// WithInfoFetcher replaces the go-yfinance fetcher.
func WithInfoFetcher(f InfoFetcher) YahooOption {
	return func(p *YahooProvider) { p.fetch = f }
}

// WithNewsClient sets the news search client.
func WithNewsClient(c *NewsClient) YahooOption {
	return func(p *YahooProvider) { p.news = c }
}

// WithInfoTTL overrides DefaultInfoTTL.
func WithInfoTTL(d time.Duration) YahooOption {
	return func(p *YahooProvider) { p.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) YahooOption {
	return func(p *YahooProvider) { p.logger = l }
}

// NewYahooProvider creates a provider backed by go-yfinance.
func NewYahooProvider(opts ...YahooOption) *YahooProvider {
	p := &YahooProvider{
		fetch:  fetchYFinanceInfo,
		ttl:    DefaultInfoTTL,
		now:    time.Now,
		logger: zerolog.Nop(),
		cache:  make(map[string]cachedInfo),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.news == nil {
		p.news = NewNewsClient("", 10, &http.Client{Timeout: 15 * time.Second}, "")
	}
	p.logger = logging.WithProvider(p.logger, providerName)
	return p
}

// NewYahooProviderFromConfig creates a provider from the [providers] config section.
func NewYahooProviderFromConfig(cfg config.ProvidersConfig, logger zerolog.Logger) *YahooProvider {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	return NewYahooProvider(
		WithNewsClient(NewNewsClient("", cfg.NewsCount, client, cfg.ScrapeUserAgent)),
		WithLogger(logger),
	)
}

// GetCompanyDetails returns the company profile and fundamentals.
func (p *YahooProvider) GetCompanyDetails(ctx context.Context, symbol string) (*CompanyDetails, error) {
	info, err := p.info(ctx, symbol)
	if err != nil {
		return nil, err
	}

	name := info.LongName
	if name == "" {
		name = info.ShortName
	}
	return &CompanyDetails{
		CompanyName:       models.NonEmpty(name),
		MarketCap:         models.NonZeroFloat(info.MarketCap),
		AvgVolume10Day:    models.NonZeroFloat(info.AverageVolume10Days),
		AvgVolume3Month:   models.NonZeroFloat(info.AverageVolume),
		StockFloat:        models.NonZeroInt(info.FloatShares),
		OperatingCashFlow: models.NonZeroFloat(info.OperatingCashflow),
		Sector:            models.NonEmpty(info.Sector),
		Industry:          models.NonEmpty(info.Industry),
		Website:           models.NonEmpty(info.Website),
		Country:           models.NonEmpty(info.Country),
		BusinessSummary:   models.NonEmpty(info.LongBusinessSummary),
	}, nil
}

// GetShortInterest returns short-selling statistics.
func (p *YahooProvider) GetShortInterest(ctx context.Context, symbol string) (*models.ShortInterest, error) {
	info, err := p.info(ctx, symbol)
	if err != nil {
		return nil, err
	}

	return &models.ShortInterest{
		SharesShort:                    models.NonZeroInt(info.SharesShort),
		ShortRatio:                     models.NonZeroFloat(info.ShortRatio),
		ShortPercentFloat:              models.NonZeroFloat(info.ShortPercentOfFloat),
		SharesPercentSharesOutstanding: models.NonZeroFloat(info.SharesPercentSharesOut),
		SharesShortPriorMonth:          models.NonZeroInt(info.SharesShortPriorMonth),
		ShortRatioDate:                 epochPtr(info.DateShortInterest),
		SharesShortPreviousMonthDate:   epochPtr(info.SharesShortPreviousMonthDate),
	}, nil
}

// GetOwnership returns insider and institutional holdings.
func (p *YahooProvider) GetOwnership(ctx context.Context, symbol string) (*Ownership, error) {
	info, err := p.info(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &Ownership{
		HeldInsiders:     models.NonZeroFloat(info.HeldPercentInsiders),
		HeldInstitutions: models.NonZeroFloat(info.HeldPercentInstitutions),
	}, nil
}

// GetNews returns recent news for symbol.
func (p *YahooProvider) GetNews(ctx context.Context, symbol string) ([]models.NewsItem, error) {
	return p.news.Search(ctx, symbol)
}

// info returns a cached snapshot or fetches one. Concurrent fetches of the
// same symbol share one request.
func (p *YahooProvider) info(ctx context.Context, symbol string) (*InfoSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	p.mu.Lock()
	if c, ok := p.cache[symbol]; ok && p.now().Sub(c.fetchedAt) < p.ttl {
		p.mu.Unlock()
		return c.info, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(symbol, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), infoTimeout)
		defer cancel()

		start := time.Now()
		info, err := p.fetch(fctx, symbol)
		logging.LogAPICall(p.logger, "INFO", symbol, time.Since(start), err)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.cache[symbol] = cachedInfo{info: info, fetchedAt: p.now()}
		p.evictLocked()
		p.mu.Unlock()
		return info, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*InfoSnapshot), nil
	}
}

func (p *YahooProvider) evictLocked() {
	now := p.now()
	for sym, c := range p.cache {
		if now.Sub(c.fetchedAt) >= p.ttl {
			delete(p.cache, sym)
		}
	}
}

// fetchYFinanceInfo loads the quote summary through go-yfinance. The library
// is not context aware, so the call runs in its own goroutine.
func fetchYFinanceInfo(ctx context.Context, symbol string) (*InfoSnapshot, error) {
	type result struct {
		info *InfoSnapshot
		err  error
	}
	done := make(chan result, 1)

	go func() {
		t, err := ticker.New(symbol)
		if err != nil {
			done <- result{err: fmt.Errorf("failed to create ticker: %w", err)}
			return
		}
		defer t.Close()

		info, err := t.Info()
		if err != nil {
			done <- result{err: err}
			return
		}
		if info == nil {
			done <- result{err: apperrors.ErrDataNotFound}
			return
		}

		done <- result{info: &InfoSnapshot{
			LongName:                     info.LongName,
			ShortName:                    info.ShortName,
			MarketCap:                    float64(info.MarketCap),
			AverageVolume:                float64(info.AverageVolume),
			AverageVolume10Days:          float64(info.AverageVolume10Days),
			FloatShares:                  int64(info.FloatShares),
			HeldPercentInsiders:          float64(info.HeldPercentInsiders),
			HeldPercentInstitutions:      float64(info.HeldPercentInstitutions),
			OperatingCashflow:            float64(info.OperatingCashflow),
			Sector:                       info.Sector,
			Industry:                     info.Industry,
			Website:                      info.Website,
			Country:                      info.Country,
			LongBusinessSummary:          info.LongBusinessSummary,
			SharesShort:                  int64(info.SharesShort),
			ShortRatio:                   float64(info.ShortRatio),
			ShortPercentOfFloat:          float64(info.ShortPercentOfFloat),
			SharesPercentSharesOut:       float64(info.SharesPercentSharesOut),
			SharesShortPriorMonth:        int64(info.SharesShortPriorMonth),
			DateShortInterest:            int64(info.DateShortInterest),
			SharesShortPreviousMonthDate: int64(info.SharesShortPreviousMonthDate),
		}}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, apperrors.NewProviderError(providerName, "info", symbol, 0, r.err)
		}
		return r.info, nil
	}
}

func epochPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t, err := utils.ParseEpoch(v)
	if err != nil {
		return nil
	}
	return &t
}
