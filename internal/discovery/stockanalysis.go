package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

const stockAnalysisBaseURL = "https://stockanalysis.com"

// symbolColumn is the index of the ticker cell in a main-table row.
const symbolColumn = 1

// StockAnalysis scrapes one StockAnalysis.com market table.
// Data sourced from https://stockanalysis.com/.
type StockAnalysis struct {
	name      string
	url       string
	sessions  []models.SessionType
	client    *http.Client
	userAgent string
}

func newStockAnalysis(name, baseURL, path string, session models.SessionType, client *http.Client, userAgent string) *StockAnalysis {
	if baseURL == "" {
		baseURL = stockAnalysisBaseURL
	}
	return &StockAnalysis{
		name:      name,
		url:       strings.TrimRight(baseURL, "/") + path,
		sessions:  []models.SessionType{session},
		client:    client,
		userAgent: userAgent,
	}
}

// NewStockAnalysisPremarket scrapes the pre-market gainers table.
func NewStockAnalysisPremarket(baseURL string, client *http.Client, userAgent string) *StockAnalysis {
	return newStockAnalysis(SourceStockAnalysisPremarket, baseURL, "/markets/premarket/", models.SessionPreMarket, client, userAgent)
}

// NewStockAnalysisGainers scrapes the regular-session gainers table.
func NewStockAnalysisGainers(baseURL string, client *http.Client, userAgent string) *StockAnalysis {
	return newStockAnalysis(SourceStockAnalysisGainers, baseURL, "/markets/gainers/", models.SessionRegularMarket, client, userAgent)
}

// NewStockAnalysisActive scrapes the regular-session most active table.
func NewStockAnalysisActive(baseURL string, client *http.Client, userAgent string) *StockAnalysis {
	return newStockAnalysis(SourceStockAnalysisActive, baseURL, "/markets/active/", models.SessionRegularMarket, client, userAgent)
}

func (s *StockAnalysis) Name() string                   { return s.name }
func (s *StockAnalysis) Sessions() []models.SessionType { return s.sessions }

func (s *StockAnalysis) List(ctx context.Context, _ models.SessionType) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(s.name, "scrape", "", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.NewProviderError(s.name, "scrape", "", resp.StatusCode, apperrors.ErrRateLimited)
	}
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewProviderError(s.name, "scrape", "", resp.StatusCode, fmt.Errorf("%s", http.StatusText(resp.StatusCode)))
	}

	symbols, err := ParseMainTable(resp.Body)
	if err != nil {
		return nil, apperrors.NewParseError(s.name, "main-table", err)
	}
	return symbols, nil
}

// ParseMainTable extracts the symbol column of every body row of the table
// with id "main-table".
func ParseMainTable(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	table := findElement(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Table && attr(n, "id") == "main-table"
	})
	if table == nil {
		return nil, fmt.Errorf("table #main-table not found")
	}
	tbody := findElement(table, func(n *html.Node) bool { return n.DataAtom == atom.Tbody })
	if tbody == nil {
		return nil, fmt.Errorf("table #main-table has no body")
	}

	var symbols []string
	for tr := tbody.FirstChild; tr != nil; tr = tr.NextSibling {
		if tr.Type != html.ElementNode || tr.DataAtom != atom.Tr {
			continue
		}
		col := 0
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type != html.ElementNode || td.DataAtom != atom.Td {
				continue
			}
			if col == symbolColumn {
				if sym := strings.TrimSpace(textContent(td)); sym != "" {
					symbols = append(symbols, sym)
				}
				break
			}
			col++
		}
	}
	return symbols, nil
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}
