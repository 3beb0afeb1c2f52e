package discovery

import (
	"context"

	"market-scanner/internal/broker"
	"market-scanner/internal/models"
)

// SchwabMovers lists the primary provider's top percentage gainers.
type SchwabMovers struct {
	provider broker.Provider
	index    string
	sort     string
}

// NewSchwabMovers creates a movers source over the whole equity universe.
func NewSchwabMovers(provider broker.Provider) *SchwabMovers {
	return &SchwabMovers{
		provider: provider,
		index:    broker.IndexEquityAll,
		sort:     broker.SortPercentChangeUp,
	}
}

func (s *SchwabMovers) Name() string { return SourceSchwabMovers }

func (s *SchwabMovers) Sessions() []models.SessionType {
	return []models.SessionType{models.SessionPreMarket, models.SessionRegularMarket}
}

func (s *SchwabMovers) List(ctx context.Context, _ models.SessionType) ([]string, error) {
	movers, err := s.provider.GetMovers(ctx, s.index, s.sort)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(movers))
	for _, m := range movers {
		symbols = append(symbols, m.Symbol)
	}
	return symbols, nil
}
