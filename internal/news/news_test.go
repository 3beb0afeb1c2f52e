package news

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/internal/store"
)

var aapl = &models.StockRecord{ID: "stock-aapl", Ticker: "AAPL"}

func items(ids ...string) []models.NewsItem {
	out := make([]models.NewsItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.NewsItem{
			ExternalID:  id,
			Title:       "headline " + id,
			PublishTime: time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func externalIDs(items []models.NewsItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ExternalID
	}
	return out
}

func TestFilterNewInsertsOnlyNewItems(t *testing.T) {
	repo := store.NewMemoryStore()
	d := NewDeduplicator(repo, zerolog.Nop())
	ctx := context.Background()

	fresh, err := d.FilterNew(ctx, aapl, items("a", "b", "b", "", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, externalIDs(fresh))
	assert.Equal(t, aapl.ID, fresh[0].StockID)
	assert.Equal(t, "AAPL", fresh[0].Ticker)

	fresh, err = d.FilterNew(ctx, aapl, items("c", "d"))
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, externalIDs(fresh))
	assert.Equal(t, 4, repo.NewsCount())
}

func TestFilterNewSameBatchTwice(t *testing.T) {
	d := NewDeduplicator(store.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	first, err := d.FilterNew(ctx, aapl, items("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, externalIDs(first))

	second, err := d.FilterNew(ctx, aapl, items("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestSameArticleForAnotherStock(t *testing.T) {
	repo := store.NewMemoryStore()
	d := NewDeduplicator(repo, zerolog.Nop())
	ctx := context.Background()

	_, err := d.FilterNew(ctx, aapl, items("shared"))
	require.NoError(t, err)

	msft := &models.StockRecord{ID: "stock-msft", Ticker: "MSFT"}
	fresh, err := d.FilterNew(ctx, msft, items("shared"))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "stock-msft", fresh[0].StockID)
	assert.Equal(t, 2, repo.NewsCount())
}

func TestFilterNewEmptyBatch(t *testing.T) {
	d := NewDeduplicator(store.NewMemoryStore(), zerolog.Nop())

	fresh, err := d.FilterNew(context.Background(), aapl, nil)
	require.NoError(t, err)
	assert.NotNil(t, fresh)
	assert.Empty(t, fresh)
}

type failingRepo struct {
	lookupErr error
	insertErr error
}

func (f *failingRepo) KnownNewsIDs(ctx context.Context, stockID string, ids []string) (map[string]bool, error) {
	return nil, f.lookupErr
}

func (f *failingRepo) InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error) {
	return false, f.insertErr
}

func TestStorageErrorsPropagate(t *testing.T) {
	storageErr := apperrors.NewStorageError("known news", "equities.stock_news", errors.New("connection reset"))

	d := NewDeduplicator(&failingRepo{lookupErr: storageErr}, zerolog.Nop())
	_, err := d.FilterNew(context.Background(), aapl, items("a"))
	assert.ErrorIs(t, err, apperrors.ErrStorage)

	d = NewDeduplicator(&knownNone{failingRepo{insertErr: storageErr}}, zerolog.Nop())
	fresh, err := d.FilterNew(context.Background(), aapl, items("a"))
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.Empty(t, fresh)
}

type knownNone struct {
	failingRepo
}

func (k *knownNone) KnownNewsIDs(ctx context.Context, stockID string, ids []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

// Feature: market-scanner, Property 2: News deduplication is idempotent
//
// Property: for any batch of article ids, the first FilterNew returns each
// distinct id once in first-seen order and the second returns nothing.
func TestProperty_FilterNewIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("second call with the same batch returns nothing", prop.ForAll(
		func(raw []int) bool {
			ids := make([]string, len(raw))
			var distinct []string
			seen := make(map[string]bool)
			for i, v := range raw {
				ids[i] = fmt.Sprintf("n-%d", v)
				if !seen[ids[i]] {
					seen[ids[i]] = true
					distinct = append(distinct, ids[i])
				}
			}

			repo := store.NewMemoryStore()
			d := NewDeduplicator(repo, zerolog.Nop())
			ctx := context.Background()

			first, err := d.FilterNew(ctx, aapl, items(ids...))
			if err != nil || len(first) != len(distinct) {
				return false
			}
			for i, item := range first {
				if item.ExternalID != distinct[i] {
					return false
				}
			}
			second, err := d.FilterNew(ctx, aapl, items(ids...))
			return err == nil && len(second) == 0 && repo.NewsCount() == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}
