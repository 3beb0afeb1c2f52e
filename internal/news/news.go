// Package news stores fetched articles once per stock.
package news

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
)

// Repository is the subset of the storage gateway the deduplicator uses.
type Repository interface {
	KnownNewsIDs(ctx context.Context, stockID string, externalIDs []string) (map[string]bool, error)
	InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error)
}

// Deduplicator filters news against what is already stored.
type Deduplicator struct {
	repo   Repository
	logger zerolog.Logger
}

// NewDeduplicator creates a deduplicator over repo.
func NewDeduplicator(repo Repository, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		repo:   repo,
		logger: logger.With().Str("component", "news").Logger(),
	}
}

// FilterNew stores the items of the batch that are not yet known for stock
// and returns them in input order. Items without an id and repeats within the
// batch are dropped, so a second call with the same batch returns nothing.
// On a storage error it returns the items inserted so far.
func (d *Deduplicator) FilterNew(ctx context.Context, stock *models.StockRecord, items []models.NewsItem) ([]models.NewsItem, error) {
	candidates, err := d.unseen(ctx, stock, items)
	if err != nil {
		return nil, err
	}

	inserted := make([]models.NewsItem, 0, len(candidates))
	for i := range candidates {
		ok, err := d.repo.InsertNewsIfNew(ctx, &candidates[i])
		if err != nil {
			return inserted, apperrors.Wrapf(err, "insert news %s", candidates[i].ExternalID)
		}
		if !ok {
			// Another session loop stored it first.
			continue
		}
		inserted = append(inserted, candidates[i])
	}

	if len(inserted) > 0 {
		logger := logging.WithTicker(d.logger, stock.Ticker)
		logger.Debug().
			Int("fetched", len(items)).
			Int("inserted", len(inserted)).
			Msg("Stored news")
	}
	return inserted, nil
}

// unseen attaches the batch to stock and drops the ids already stored for it.
func (d *Deduplicator) unseen(ctx context.Context, stock *models.StockRecord, items []models.NewsItem) ([]models.NewsItem, error) {
	batch := make([]models.NewsItem, 0, len(items))
	ids := make([]string, 0, len(items))
	inBatch := make(map[string]bool, len(items))

	for _, item := range items {
		id := strings.TrimSpace(item.ExternalID)
		if id == "" || inBatch[id] {
			continue
		}
		inBatch[id] = true
		item.ExternalID = id
		item.StockID = stock.ID
		item.Ticker = stock.Ticker
		batch = append(batch, item)
		ids = append(ids, id)
	}
	if len(batch) == 0 {
		return batch, nil
	}

	known, err := d.repo.KnownNewsIDs(ctx, stock.ID, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, "lookup known news")
	}

	fresh := batch[:0]
	for _, item := range batch {
		if !known[item.ExternalID] {
			fresh = append(fresh, item)
		}
	}
	return fresh, nil
}
