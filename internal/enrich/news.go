package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// DefaultSearchURL is the Yahoo Finance search endpoint that carries news.
const DefaultSearchURL = "https://query1.finance.yahoo.com/v1/finance/search"

// NewsClient fetches ticker news from the Yahoo Finance search endpoint.
type NewsClient struct {
	searchURL  string
	count      int
	httpClient *http.Client
	userAgent  string
}

// NewNewsClient creates a news client. Empty arguments take defaults.
func NewNewsClient(searchURL string, count int, httpClient *http.Client, userAgent string) *NewsClient {
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	if count <= 0 {
		count = 10
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}
	return &NewsClient{
		searchURL:  searchURL,
		count:      count,
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

type searchResponse struct {
	News []struct {
		UUID                string   `json:"uuid"`
		Title               string   `json:"title"`
		Publisher           string   `json:"publisher"`
		Link                string   `json:"link"`
		ProviderPublishTime int64    `json:"providerPublishTime"`
		Type                string   `json:"type"`
		RelatedTickers      []string `json:"relatedTickers"`
	} `json:"news"`
}

// Search returns the latest news for symbol. Items without an id are dropped.
func (c *NewsClient) Search(ctx context.Context, symbol string) ([]models.NewsItem, error) {
	query := url.Values{}
	query.Set("q", symbol)
	query.Set("quotesCount", "0")
	query.Set("newsCount", strconv.Itoa(c.count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(providerName, "news", symbol, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError(providerName, "news", symbol, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderError(providerName, "news", symbol, resp.StatusCode, apperrors.ErrRateLimited)
	case resp.StatusCode >= 400:
		return nil, apperrors.NewProviderError(providerName, "news", symbol, resp.StatusCode,
			fmt.Errorf("%s", http.StatusText(resp.StatusCode)))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, apperrors.NewParseError(providerName, "news", err)
	}

	items := make([]models.NewsItem, 0, len(sr.News))
	for _, n := range sr.News {
		if strings.TrimSpace(n.UUID) == "" {
			continue
		}
		item := models.NewsItem{
			Ticker:         symbol,
			ExternalID:     n.UUID,
			Title:          n.Title,
			Publisher:      n.Publisher,
			Link:           n.Link,
			ContentType:    n.Type,
			RelatedTickers: n.RelatedTickers,
		}
		if n.ProviderPublishTime > 0 {
			item.PublishTime = time.Unix(n.ProviderPublishTime, 0).UTC()
		}
		items = append(items, item)
	}
	return items, nil
}
