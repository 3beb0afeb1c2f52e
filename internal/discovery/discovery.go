// Package discovery merges candidate tickers from the configured mover sources.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
	"market-scanner/internal/resilience"
)

// Source lists candidate tickers for a session.
type Source interface {
	Name() string
	Sessions() []models.SessionType
	List(ctx context.Context, session models.SessionType) ([]string, error)
}

// SourceResult reports what one source contributed to a discovery.
type SourceResult struct {
	Source string
	Count  int
	Err    error
}

// Aggregator queries the sources registered for a session in order and
// merges their symbols.
type Aggregator struct {
	breakers *resilience.CircuitBreakerRegistry
	logger   zerolog.Logger

	mu      sync.RWMutex
	sources map[models.SessionType][]Source
	last    map[models.SessionType][]SourceResult
}

// NewAggregator creates an empty aggregator. A nil registry disables breakers.
func NewAggregator(breakers *resilience.CircuitBreakerRegistry, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		breakers: breakers,
		logger:   logger.With().Str("component", "discovery").Logger(),
		sources:  make(map[models.SessionType][]Source),
		last:     make(map[models.SessionType][]SourceResult),
	}
}

// Register appends src to the session's source order.
func (a *Aggregator) Register(session models.SessionType, src Source) error {
	if !slices.Contains(src.Sessions(), session) {
		return apperrors.NewValidationError("source", src.Name(), fmt.Sprintf("does not serve %s", session))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.sources[session] {
		if existing.Name() == src.Name() {
			return apperrors.NewValidationError("source", src.Name(), "registered twice")
		}
	}
	a.sources[session] = append(a.sources[session], src)
	return nil
}

// Sources returns the names registered for session in query order.
func (a *Aggregator) Sources(session models.SessionType) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.sources[session]))
	for _, s := range a.sources[session] {
		names = append(names, s.Name())
	}
	return names
}

// LastResults returns per-source results of the latest discovery for session.
func (a *Aggregator) LastResults(session models.SessionType) []SourceResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.last[session])
}

// Discover returns the deduplicated, normalized symbols for session. Each
// source contributes at most limit symbols; limit <= 0 means no limit. Failing
// sources are logged and skipped. When every source fails the result is empty
// and the error wraps ErrNoSources.
func (a *Aggregator) Discover(ctx context.Context, session models.SessionType, limit int) ([]string, error) {
	a.mu.RLock()
	sources := slices.Clone(a.sources[session])
	a.mu.RUnlock()

	logger := logging.WithSession(a.logger, string(session))
	if len(sources) == 0 {
		return []string{}, apperrors.Wrapf(apperrors.ErrNoSources, "no sources registered for %s", session)
	}

	seen := make(map[string]bool)
	symbols := []string{}
	results := make([]SourceResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return symbols, err
		}

		start := time.Now()
		listed, err := a.list(ctx, src, session)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("source", src.Name()).
				Str("error_kind", apperrors.Kind(err)).
				Dur("duration", time.Since(start)).
				Msg("Discovery source failed")
			results = append(results, SourceResult{Source: src.Name(), Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}

		taken := 0
		for _, raw := range listed {
			if limit > 0 && taken >= limit {
				break
			}
			sym, ok := NormalizeSymbol(raw)
			if !ok {
				continue
			}
			taken++
			if seen[sym] {
				continue
			}
			seen[sym] = true
			symbols = append(symbols, sym)
		}

		logger.Debug().
			Str("source", src.Name()).
			Int("listed", len(listed)).
			Int("taken", taken).
			Dur("duration", time.Since(start)).
			Msg("Discovery source listed")
		results = append(results, SourceResult{Source: src.Name(), Count: taken})
	}

	a.mu.Lock()
	a.last[session] = results
	a.mu.Unlock()

	if len(errs) == len(sources) {
		return []string{}, fmt.Errorf("%w: %w", apperrors.ErrNoSources, apperrors.Join(errs...))
	}

	logger.Info().
		Int("symbols", len(symbols)).
		Int("sources", len(sources)).
		Int("failed", len(errs)).
		Msg("Discovery complete")
	return symbols, nil
}

// BreakerStats returns the per-source circuit breaker statistics.
func (a *Aggregator) BreakerStats() []resilience.CircuitBreakerStats {
	if a.breakers == nil {
		return nil
	}
	return a.breakers.AllStats()
}

func (a *Aggregator) list(ctx context.Context, src Source, session models.SessionType) ([]string, error) {
	if a.breakers == nil {
		return src.List(ctx, session)
	}
	cb := a.breakers.Get("discovery." + src.Name())
	return resilience.ExecuteWithResult(cb, ctx, func(ctx context.Context) ([]string, error) {
		return src.List(ctx, session)
	})
}

// NormalizeSymbol upper-cases and trims s. Empty symbols and symbols with
// characters outside A-Z, 0-9, '.', '-' and '/' are rejected.
func NormalizeSymbol(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$")))
	if s == "" || len(s) > 12 {
		return "", false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '/':
		default:
			return "", false
		}
	}
	return s, true
}
