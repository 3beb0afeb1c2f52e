package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// MemoryStore is an in-process Gateway used by tests and dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	stocks      map[string]models.StockRecord // by ticker
	results     map[models.SessionType]map[string]models.ScanResult
	history     map[string]map[models.Date]models.TickerHistoryEntry
	news        map[string]models.NewsItem // by NewsItem.Key
	credentials []models.Credential
	closed      bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:  make(map[string]models.StockRecord),
		results: make(map[models.SessionType]map[string]models.ScanResult),
		history: make(map[string]map[models.Date]models.TickerHistoryEntry),
		news:    make(map[string]models.NewsItem),
	}
}

func (m *MemoryStore) check(op string) error {
	if m.closed {
		return apperrors.NewStorageError(op, "memory", apperrors.ErrDataNotFound)
	}
	return nil
}

// GetStockByTicker returns a copy of the stored record.
func (m *MemoryStore) GetStockByTicker(ctx context.Context, ticker string) (*models.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get stock"); err != nil {
		return nil, err
	}

	rec, ok := m.stocks[ticker]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpsertStock stores rec by ticker, keeping the first company name and the
// newest quote.
func (m *MemoryStore) UpsertStock(ctx context.Context, rec *models.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert stock"); err != nil {
		return err
	}

	now := time.Now().UTC()
	next := *rec
	if prev, ok := m.stocks[rec.Ticker]; ok {
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		if prev.CompanyName != nil {
			next.CompanyName = prev.CompanyName
		}
		if models.QuoteOlder(next.Quote.QuoteTime, prev.Quote.QuoteTime) {
			next.Quote = prev.Quote
		}
	} else {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	m.stocks[rec.Ticker] = next
	rec.ID = next.ID
	return nil
}

// UpsertScanResult stores the projection keyed by (session, stock) unless the
// stored one has a newer quote.
func (m *MemoryStore) UpsertScanResult(ctx context.Context, res *models.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert scan result"); err != nil {
		return err
	}
	if _, err := scanTable(res.Session); err != nil {
		return apperrors.NewStorageError("upsert scan result", "", err)
	}

	bySession, ok := m.results[res.Session]
	if !ok {
		bySession = make(map[string]models.ScanResult)
		m.results[res.Session] = bySession
	}
	if prev, ok := bySession[res.StockID]; ok && models.QuoteOlder(res.QuoteTime, prev.QuoteTime) {
		return nil
	}
	bySession[res.StockID] = *res
	return nil
}

// ScanResults returns the projections of a session ordered by ticker.
func (m *MemoryStore) ScanResults(session models.SessionType) []models.ScanResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ScanResult, 0, len(m.results[session]))
	for _, r := range m.results[session] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// UpsertTickerHistory inserts (stock, date) once.
func (m *MemoryStore) UpsertTickerHistory(ctx context.Context, entry *models.TickerHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert history"); err != nil {
		return err
	}

	days, ok := m.history[entry.StockID]
	if !ok {
		days = make(map[models.Date]models.TickerHistoryEntry)
		m.history[entry.StockID] = days
	}
	if _, exists := days[entry.Date]; exists {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	days[entry.Date] = *entry
	return nil
}

// History returns the history entries of a stock in date order.
func (m *MemoryStore) History(stockID string) []models.TickerHistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.TickerHistoryEntry, 0, len(m.history[stockID]))
	for _, e := range m.history[stockID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// LastSeenDate returns the most recent history date of a stock.
func (m *MemoryStore) LastSeenDate(ctx context.Context, stockID string) (models.Date, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("last seen"); err != nil {
		return models.Date{}, false, err
	}

	var (
		last  models.Date
		found bool
	)
	for d := range m.history[stockID] {
		if !found || last.Before(d) {
			last = d
			found = true
		}
	}
	return last, found, nil
}

// KnownNewsIDs returns which of externalIDs are already stored for the stock.
func (m *MemoryStore) KnownNewsIDs(ctx context.Context, stockID string, externalIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("known news"); err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, id := range externalIDs {
		if _, ok := m.news[models.NewsItem{StockID: stockID, ExternalID: id}.Key()]; ok {
			known[id] = true
		}
	}
	return known, nil
}

// InsertNewsIfNew inserts a news item unless (stock, external id) exists.
func (m *MemoryStore) InsertNewsIfNew(ctx context.Context, item *models.NewsItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert news"); err != nil {
		return false, err
	}

	key := item.Key()
	if _, ok := m.news[key]; ok {
		return false, nil
	}
	m.news[key] = *item
	return true, nil
}

// NewsCount returns the number of stored news items.
func (m *MemoryStore) NewsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.news)
}

// SaveCredential appends a credential.
func (m *MemoryStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save credential"); err != nil {
		return err
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	m.credentials = append(m.credentials, *cred)
	return nil
}

// LoadLatestCredential returns the newest credential by issue time.
func (m *MemoryStore) LoadLatestCredential(ctx context.Context) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("load credential"); err != nil {
		return nil, err
	}

	var latest *models.Credential
	for i := range m.credentials {
		c := m.credentials[i]
		if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
			latest = &c
		}
	}
	return latest, nil
}

// CredentialCount returns how many credentials were saved.
func (m *MemoryStore) CredentialCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.credentials)
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Ping fails once the store is closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping")
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
