package discovery

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"market-scanner/internal/broker"
	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/internal/resilience"
)

// Source names accepted in scanner.pre_market_sources and
// scanner.regular_market_sources.
const (
	SourceSchwabMovers           = "schwab_movers"
	SourceStockAnalysisPremarket = "stockanalysis_premarket"
	SourceStockAnalysisGainers   = "stockanalysis_gainers"
	SourceStockAnalysisActive    = "stockanalysis_active"
	SourceAlphaVantageGainers    = "alphavantage_gainers"
	SourceFMPGainers             = "fmp_gainers"
	SourcePolygonGainers         = "polygon_gainers"
	SourceAlpacaMovers           = "alpaca_movers"
	SourceAlpacaMostActive       = "alpaca_most_actives"
	SourceIntrinioGainers        = "intrinio_gainers"
)

// KnownSources lists every buildable source name.
var KnownSources = []string{
	SourceSchwabMovers,
	SourceStockAnalysisPremarket,
	SourceStockAnalysisGainers,
	SourceStockAnalysisActive,
	SourceAlphaVantageGainers,
	SourceFMPGainers,
	SourcePolygonGainers,
	SourceAlpacaMovers,
	SourceAlpacaMostActive,
	SourceIntrinioGainers,
}

// Endpoints overrides the base URLs of the built-in sources. Empty fields use
// the public defaults.
type Endpoints struct {
	StockAnalysis string
	AlphaVantage  string
	FMP           string
	Polygon       string
	Alpaca        string
	Intrinio      string
}

// Builder constructs named sources from configuration.
type Builder struct {
	Primary     broker.Provider
	Credentials config.Credentials
	Endpoints   Endpoints
	Client      *http.Client
	UserAgent   string
}

// Build returns the source called name. A source whose credentials are
// missing returns an error wrapping ErrConfigInvalid.
func (b *Builder) Build(name string) (Source, error) {
	creds := b.Credentials
	switch name {
	case SourceSchwabMovers:
		if b.Primary == nil {
			return nil, apperrors.NewValidationError("source", name, "primary provider not configured")
		}
		return NewSchwabMovers(b.Primary), nil
	case SourceStockAnalysisPremarket:
		return NewStockAnalysisPremarket(b.Endpoints.StockAnalysis, b.Client, b.UserAgent), nil
	case SourceStockAnalysisGainers:
		return NewStockAnalysisGainers(b.Endpoints.StockAnalysis, b.Client, b.UserAgent), nil
	case SourceStockAnalysisActive:
		return NewStockAnalysisActive(b.Endpoints.StockAnalysis, b.Client, b.UserAgent), nil
	case SourceAlphaVantageGainers:
		if creds.AlphaVantage.APIKey == "" {
			return nil, missingKey(name, "ALPHA_VANTAGE_API_KEY")
		}
		return NewAlphaVantageGainers(b.Endpoints.AlphaVantage, creds.AlphaVantage.APIKey, b.Client), nil
	case SourceFMPGainers:
		if creds.FMP.APIKey == "" {
			return nil, missingKey(name, "FMP_API_KEY")
		}
		return NewFMPGainers(b.Endpoints.FMP, creds.FMP.APIKey, b.Client), nil
	case SourcePolygonGainers:
		if creds.Polygon.APIKey == "" {
			return nil, missingKey(name, "POLYGON_API_KEY")
		}
		return NewPolygonGainers(b.Endpoints.Polygon, creds.Polygon.APIKey, b.Client), nil
	case SourceAlpacaMovers, SourceAlpacaMostActive:
		if creds.Alpaca.ClientID == "" || creds.Alpaca.ClientSecret == "" {
			return nil, missingKey(name, "ALPACA_CLIENT_ID and ALPACA_CLIENT_SECRET")
		}
		if name == SourceAlpacaMovers {
			return NewAlpacaMovers(b.Endpoints.Alpaca, creds.Alpaca.ClientID, creds.Alpaca.ClientSecret, b.Client), nil
		}
		return NewAlpacaMostActive(b.Endpoints.Alpaca, creds.Alpaca.ClientID, creds.Alpaca.ClientSecret, b.Client), nil
	case SourceIntrinioGainers:
		if creds.Intrinio.APIKey == "" {
			return nil, missingKey(name, "INTRINIO_API_KEY")
		}
		return NewIntrinioGainers(b.Endpoints.Intrinio, creds.Intrinio.APIKey, b.Client), nil
	default:
		return nil, apperrors.NewValidationError("source", name, "unknown discovery source")
	}
}

func missingKey(name, env string) error {
	return apperrors.NewValidationError("source", name, fmt.Sprintf("requires %s", env))
}

// NewAggregatorFromConfig registers the configured sources per session in
// order. Sources that cannot be built are logged and left out; an unknown
// name or a source listed for a session it does not serve is an error.
func NewAggregatorFromConfig(cfg *config.Config, primary broker.Provider, logger zerolog.Logger) (*Aggregator, error) {
	timeout := cfg.Providers.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Providers.BreakerFailures > 0 {
		breakerCfg.FailureThreshold = cfg.Providers.BreakerFailures
	}
	if cfg.Providers.BreakerCoolDown > 0 {
		breakerCfg.CoolDown = cfg.Providers.BreakerCoolDown
	}
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn().
			Str("breaker", name).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Circuit breaker state changed")
	}

	b := &Builder{
		Primary:     primary,
		Credentials: cfg.Credentials,
		Client:      &http.Client{Timeout: timeout},
		UserAgent:   cfg.Providers.ScrapeUserAgent,
	}
	agg := NewAggregator(resilience.NewCircuitBreakerRegistry(breakerCfg), logger)

	plan := []struct {
		session models.SessionType
		names   []string
	}{
		{models.SessionPreMarket, cfg.Scanner.PreMarketSources},
		{models.SessionRegularMarket, cfg.Scanner.RegularSources},
	}
	for _, p := range plan {
		if err := RegisterAll(agg, b, p.session, p.names, logger); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// RegisterAll builds and registers names for session in order.
func RegisterAll(agg *Aggregator, b *Builder, session models.SessionType, names []string, logger zerolog.Logger) error {
	for _, name := range names {
		if !slices.Contains(KnownSources, name) {
			return apperrors.NewValidationError("source", name, "unknown discovery source")
		}
		src, err := b.Build(name)
		if err != nil {
			logger.Warn().Err(err).Str("source", name).Str("session", string(session)).Msg("Discovery source disabled")
			continue
		}
		if err := agg.Register(session, src); err != nil {
			return err
		}
	}
	return nil
}
