package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// Default endpoints of the optional mover APIs.
const (
	AlphaVantageURL = "https://www.alphavantage.co/query"
	FMPURL          = "https://financialmodelingprep.com/stable"
	PolygonURL      = "https://api.polygon.io"
	AlpacaURL       = "https://data.alpaca.markets/v1beta1"
	IntrinioURL     = "https://api-v2.intrinio.com"
)

// intrinioExchange is the US composite of all exchanges.
const intrinioExchange = "USCOMP"

// alpacaTop is how many rows the Alpaca screeners return.
const alpacaTop = 20

// extractFunc pulls the symbol list out of a decoded response body.
type extractFunc func(body []byte) ([]string, error)

// APISource lists symbols from a keyed JSON mover endpoint.
type APISource struct {
	name     string
	url      string
	headers  map[string]string
	sessions []models.SessionType
	client   *http.Client
	extract  extractFunc
}

func (s *APISource) Name() string                   { return s.name }
func (s *APISource) Sessions() []models.SessionType { return s.sessions }

func (s *APISource) List(ctx context.Context, _ models.SessionType) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(s.name, "list", "", 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError(s.name, "list", "", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderError(s.name, "list", "", resp.StatusCode, apperrors.ErrRateLimited)
	case resp.StatusCode >= 400:
		return nil, apperrors.NewProviderError(s.name, "list", "", resp.StatusCode,
			fmt.Errorf("%s", http.StatusText(resp.StatusCode)))
	}

	symbols, err := s.extract(body)
	if err != nil {
		return nil, apperrors.NewParseError(s.name, "symbols", err)
	}
	return symbols, nil
}

func withQuery(base string, query url.Values) string {
	return base + "?" + query.Encode()
}

// NewAlphaVantageGainers lists the TOP_GAINERS_LOSERS gainers.
func NewAlphaVantageGainers(baseURL, apiKey string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = AlphaVantageURL
	}
	q := url.Values{}
	q.Set("function", "TOP_GAINERS_LOSERS")
	q.Set("apikey", apiKey)

	return &APISource{
		name:     SourceAlphaVantageGainers,
		url:      withQuery(baseURL, q),
		sessions: []models.SessionType{models.SessionRegularMarket},
		client:   client,
		extract: func(body []byte) ([]string, error) {
			var resp struct {
				TopGainers []struct {
					Ticker string `json:"ticker"`
				} `json:"top_gainers"`
				Information string `json:"Information"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			// The API answers throttled keys with 200 and an Information note.
			if len(resp.TopGainers) == 0 && resp.Information != "" {
				return nil, fmt.Errorf("%s", resp.Information)
			}
			out := make([]string, 0, len(resp.TopGainers))
			for _, g := range resp.TopGainers {
				out = append(out, g.Ticker)
			}
			return out, nil
		},
	}
}

// NewFMPGainers lists Financial Modeling Prep's biggest gainers.
func NewFMPGainers(baseURL, apiKey string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = FMPURL
	}
	q := url.Values{}
	q.Set("apikey", apiKey)

	return &APISource{
		name:     SourceFMPGainers,
		url:      withQuery(baseURL+"/biggest-gainers", q),
		sessions: []models.SessionType{models.SessionRegularMarket},
		client:   client,
		extract: func(body []byte) ([]string, error) {
			var rows []struct {
				Symbol string `json:"symbol"`
			}
			if err := json.Unmarshal(body, &rows); err != nil {
				return nil, err
			}
			out := make([]string, 0, len(rows))
			for _, r := range rows {
				out = append(out, r.Symbol)
			}
			return out, nil
		},
	}
}

// NewPolygonGainers lists the Polygon snapshot gainers. Rows without a
// change percentage are dropped.
func NewPolygonGainers(baseURL, apiKey string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = PolygonURL
	}
	q := url.Values{}
	q.Set("apiKey", apiKey)

	return &APISource{
		name:     SourcePolygonGainers,
		url:      withQuery(baseURL+"/v2/snapshot/locale/us/markets/stocks/gainers", q),
		sessions: []models.SessionType{models.SessionPreMarket, models.SessionRegularMarket},
		client:   client,
		extract: func(body []byte) ([]string, error) {
			var resp struct {
				Tickers []struct {
					Ticker           string   `json:"ticker"`
					TodaysChangePerc *float64 `json:"todaysChangePerc"`
				} `json:"tickers"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			out := make([]string, 0, len(resp.Tickers))
			for _, t := range resp.Tickers {
				if t.TodaysChangePerc == nil {
					continue
				}
				out = append(out, t.Ticker)
			}
			return out, nil
		},
	}
}

func alpacaHeaders(clientID, clientSecret string) map[string]string {
	return map[string]string{
		"APCA-API-KEY-ID":     clientID,
		"APCA-API-SECRET-KEY": clientSecret,
	}
}

func symbolsUnder(key string) extractFunc {
	return func(body []byte) ([]string, error) {
		var resp map[string][]struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		rows := resp[key]
		out := make([]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Symbol)
		}
		return out, nil
	}
}

// NewAlpacaMovers lists Alpaca's top stock gainers.
func NewAlpacaMovers(baseURL, clientID, clientSecret string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = AlpacaURL
	}
	q := url.Values{}
	q.Set("top", strconv.Itoa(alpacaTop))

	return &APISource{
		name:     SourceAlpacaMovers,
		url:      withQuery(baseURL+"/screener/stocks/movers", q),
		headers:  alpacaHeaders(clientID, clientSecret),
		sessions: []models.SessionType{models.SessionRegularMarket},
		client:   client,
		extract:  symbolsUnder("gainers"),
	}
}

// NewAlpacaMostActive lists Alpaca's most active stocks by volume.
func NewAlpacaMostActive(baseURL, clientID, clientSecret string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = AlpacaURL
	}
	q := url.Values{}
	q.Set("by", "volume")
	q.Set("top", strconv.Itoa(alpacaTop))

	return &APISource{
		name:     SourceAlpacaMostActive,
		url:      withQuery(baseURL+"/screener/stocks/most-actives", q),
		headers:  alpacaHeaders(clientID, clientSecret),
		sessions: []models.SessionType{models.SessionRegularMarket},
		client:   client,
		extract:  symbolsUnder("most_actives"),
	}
}

// NewIntrinioGainers lists the top gainers across US exchanges. The key is
// sent as the basic auth user name.
func NewIntrinioGainers(baseURL, apiKey string, client *http.Client) *APISource {
	if baseURL == "" {
		baseURL = IntrinioURL
	}
	q := url.Values{}
	q.Set("page_size", "100")

	return &APISource{
		name:     SourceIntrinioGainers,
		url:      withQuery(baseURL+"/stock_exchanges/"+intrinioExchange+"/gainers", q),
		headers:  map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))},
		sessions: []models.SessionType{models.SessionRegularMarket},
		client:   client,
		extract: func(body []byte) ([]string, error) {
			var resp struct {
				Securities []struct {
					Security struct {
						Ticker string `json:"ticker"`
					} `json:"security"`
				} `json:"securities"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			out := make([]string, 0, len(resp.Securities))
			for _, s := range resp.Securities {
				if s.Security.Ticker == "" {
					continue
				}
				out = append(out, s.Security.Ticker)
			}
			return out, nil
		},
	}
}
