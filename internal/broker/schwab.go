package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
	"market-scanner/pkg/utils"
)

const providerName = "schwab"

// DefaultMarketDataURL is the production market data base URL.
const DefaultMarketDataURL = "https://api.schwabapi.com/marketdata/v1"

// SchwabClient implements Provider against the Schwab market data REST API.
type SchwabClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      utils.RetryConfig
	logger     zerolog.Logger
}

// ClientOption configures a SchwabClient.
type ClientOption func(*SchwabClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *SchwabClient) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *SchwabClient) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit limits outgoing requests. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *SchwabClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg utils.RetryConfig) ClientOption {
	return func(c *SchwabClient) {
		c.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *SchwabClient) {
		c.logger = logger
	}
}

// NewSchwabClient creates a market data client.
func NewSchwabClient(baseURL string, tokens TokenSource, opts ...ClientOption) *SchwabClient {
	if baseURL == "" {
		baseURL = DefaultMarketDataURL
	}
	c := &SchwabClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
		retry:      utils.DefaultRetryConfig(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = isRetryable
	c.logger = logging.WithProvider(c.logger, providerName)
	return c
}

// NewSchwabClientFromConfig creates a client from the [schwab] config section.
func NewSchwabClientFromConfig(cfg config.SchwabConfig, tokens TokenSource, logger zerolog.Logger) *SchwabClient {
	retry := utils.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries + 1
	}

	opts := []ClientOption{
		WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		WithRetry(retry),
		WithLogger(logger),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	return NewSchwabClient(cfg.MarketDataURL, tokens, opts...)
}

// ============================================================================
// Market data
// ============================================================================

type quoteEntry struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		LastPrice        *float64 `json:"lastPrice"`
		NetPercentChange *float64 `json:"netPercentChange"`
		TotalVolume      *float64 `json:"totalVolume"`
		QuoteTime        *int64   `json:"quoteTime"`
	} `json:"quote"`
	Reference struct {
		Description string `json:"description"`
	} `json:"reference"`
}

// GetQuote returns the latest quote for symbol.
func (c *SchwabClient) GetQuote(ctx context.Context, symbol string) (*QuoteData, error) {
	var resp map[string]quoteEntry
	path := "/" + url.PathEscape(symbol) + "/quotes"
	if err := c.get(ctx, "quote", symbol, path, nil, &resp); err != nil {
		return nil, err
	}

	entry, ok := resp[symbol]
	if !ok {
		return nil, apperrors.NewProviderError(providerName, "quote", symbol, 0, apperrors.ErrSymbolNotFound)
	}

	q := &QuoteData{
		Symbol:      symbol,
		CompanyName: models.NonEmpty(entry.Reference.Description),
		Quote: models.Quote{
			LastPrice:     entry.Quote.LastPrice,
			ChangePercent: entry.Quote.NetPercentChange,
		},
	}
	if entry.Quote.TotalVolume != nil {
		q.Quote.Volume = models.Ptr(int64(*entry.Quote.TotalVolume))
	}
	// An unreadable quote time leaves it zero; the quote fields are still usable.
	qt, err := quoteTime(entry.Quote.QuoteTime)
	if err != nil {
		logger := logging.WithTicker(c.logger, symbol)
		logger.Warn().
			Err(apperrors.NewParseError(providerName, "quote.quoteTime", err)).
			Msg("Quote without a usable time")
	}
	q.Quote.QuoteTime = qt
	return q, nil
}

func quoteTime(epoch *int64) (time.Time, error) {
	if epoch == nil {
		return time.Time{}, errors.New("missing")
	}
	return utils.ParseEpoch(*epoch)
}

type instrumentsResponse struct {
	Instruments []struct {
		Symbol      string `json:"symbol"`
		Fundamental struct {
			MarketCap       *float64 `json:"marketCap"`
			Avg1DayVolume   *float64 `json:"avg1DayVolume"`
			Avg10DaysVolume *float64 `json:"avg10DaysVolume"`
			Avg3MonthVolume *float64 `json:"avg3MonthVolume"`
		} `json:"fundamental"`
	} `json:"instruments"`
}

// GetFundamentals returns market cap and average volumes for symbol.
func (c *SchwabClient) GetFundamentals(ctx context.Context, symbol string) (*FundamentalSummary, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("projection", "fundamental")

	var resp instrumentsResponse
	if err := c.get(ctx, "fundamentals", symbol, "/instruments", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Instruments) == 0 {
		return nil, apperrors.NewProviderError(providerName, "fundamentals", symbol, 0, apperrors.ErrSymbolNotFound)
	}

	f := resp.Instruments[0].Fundamental
	return &FundamentalSummary{
		MarketCap:       nonZero(f.MarketCap),
		AvgVolume1Day:   nonZero(f.Avg1DayVolume),
		AvgVolume10Day:  nonZero(f.Avg10DaysVolume),
		AvgVolume3Month: nonZero(f.Avg3MonthVolume),
	}, nil
}

type moversResponse struct {
	Screeners []struct {
		Symbol           string  `json:"symbol"`
		Description      string  `json:"description"`
		LastPrice        float64 `json:"lastPrice"`
		NetPercentChange float64 `json:"netPercentChange"`
		Volume           float64 `json:"volume"`
	} `json:"screeners"`
}

// GetMovers returns the movers of index sorted by sort.
func (c *SchwabClient) GetMovers(ctx context.Context, index, sort string) ([]Mover, error) {
	var query url.Values
	if sort != "" {
		query = url.Values{}
		query.Set("sort", sort)
	}

	var resp moversResponse
	if err := c.get(ctx, "movers", "", "/movers/"+url.PathEscape(index), query, &resp); err != nil {
		return nil, err
	}

	movers := make([]Mover, 0, len(resp.Screeners))
	for _, s := range resp.Screeners {
		movers = append(movers, Mover{
			Symbol:        s.Symbol,
			Description:   s.Description,
			LastPrice:     s.LastPrice,
			ChangePercent: s.NetPercentChange,
			Volume:        int64(s.Volume),
		})
	}
	return movers, nil
}

// The provider reports unknown fundamentals as 0.
func nonZero(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}

// ============================================================================
// Transport
// ============================================================================

// get performs an authorized GET with rate limiting and retries, decoding the
// JSON body into out.
func (c *SchwabClient) get(ctx context.Context, op, symbol, path string, query url.Values, out any) error {
	start := time.Now()
	body, err := utils.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		return c.getAuthorized(ctx, op, symbol, path, query)
	})
	logging.LogAPICall(c.logger, http.MethodGet, path, time.Since(start), err)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewParseError(providerName, op, err)
	}
	return nil
}

// getAuthorized sends the request and, when the access token is rejected,
// forces one refresh and retries.
func (c *SchwabClient) getAuthorized(ctx context.Context, op, symbol, path string, query url.Values) ([]byte, error) {
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := c.doRequest(ctx, path, query, token)
	if status == http.StatusUnauthorized {
		c.logger.Warn().Str("op", op).Msg("Access token rejected, forcing refresh")

		cred, rerr := c.tokens.ForceRefresh(ctx)
		if rerr != nil {
			return nil, rerr
		}
		body, status, err = c.doRequest(ctx, path, query, cred.AccessToken)
		if status == http.StatusUnauthorized {
			return nil, apperrors.NewProviderError(providerName, op, symbol, status, apperrors.ErrAuthExpired)
		}
	}
	if err != nil {
		return nil, apperrors.NewProviderError(providerName, op, symbol, status, err)
	}
	return body, nil
}

func (c *SchwabClient) doRequest(ctx context.Context, path string, query url.Values, token string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resp.StatusCode, apperrors.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, apperrors.ErrSymbolNotFound
	case resp.StatusCode >= 400:
		return nil, resp.StatusCode, fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), truncate(body, 200))
	}
	return body, resp.StatusCode, nil
}

// isRetryable retries 5xx responses and transport failures. Rate limiting,
// auth failures and client errors are returned to the caller.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperrors.Is(err, apperrors.ErrAuthExpired) || apperrors.Is(err, apperrors.ErrNotAuthenticated) ||
		apperrors.Is(err, apperrors.ErrRateLimited) {
		return false
	}
	var pe *apperrors.ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == 0 || pe.StatusCode >= 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
