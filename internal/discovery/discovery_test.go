package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-scanner/internal/broker"
	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/internal/resilience"
)

type stubSource struct {
	name    string
	symbols []string
	err     error
	calls   atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Sessions() []models.SessionType {
	return []models.SessionType{models.SessionPreMarket, models.SessionRegularMarket}
}

func (s *stubSource) List(ctx context.Context, _ models.SessionType) ([]string, error) {
	s.calls.Add(1)
	return s.symbols, s.err
}

func newTestAggregator(t *testing.T, sources ...Source) *Aggregator {
	t.Helper()
	agg := NewAggregator(nil, zerolog.Nop())
	for _, s := range sources {
		require.NoError(t, agg.Register(models.SessionRegularMarket, s))
	}
	return agg
}

func TestDiscoverMergesInSourceOrder(t *testing.T) {
	a := &stubSource{name: "a", symbols: []string{"aapl", " TSLA ", "$nvda"}}
	b := &stubSource{name: "b", symbols: []string{"TSLA", "AMD", "AAPL", "GME"}}
	agg := newTestAggregator(t, a, b)

	got, err := agg.Discover(context.Background(), models.SessionRegularMarket, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TSLA", "NVDA", "AMD", "GME"}, got)

	results := agg.LastResults(models.SessionRegularMarket)
	require.Len(t, results, 2)
	assert.Equal(t, 3, results[0].Count)
	assert.Equal(t, 4, results[1].Count)
}

func TestDiscoverLimitAppliesPerSource(t *testing.T) {
	a := &stubSource{name: "a", symbols: []string{"AAA", "BBB", "CCC"}}
	b := &stubSource{name: "b", symbols: []string{"BBB", "DDD", "EEE"}}
	agg := newTestAggregator(t, a, b)

	got, err := agg.Discover(context.Background(), models.SessionRegularMarket, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB", "DDD"}, got)
}

func TestDiscoverSkipsFailingSource(t *testing.T) {
	bad := &stubSource{name: "bad", err: apperrors.NewProviderError("bad", "list", "", 503, errors.New("unavailable"))}
	good := &stubSource{name: "good", symbols: []string{"AAPL"}}
	agg := newTestAggregator(t, bad, good)

	got, err := agg.Discover(context.Background(), models.SessionRegularMarket, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, got)

	results := agg.LastResults(models.SessionRegularMarket)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestDiscoverAllSourcesFail(t *testing.T) {
	a := &stubSource{name: "a", err: errors.New("timeout")}
	b := &stubSource{name: "b", err: apperrors.NewParseError("b", "main-table", errors.New("missing"))}
	agg := newTestAggregator(t, a, b)

	got, err := agg.Discover(context.Background(), models.SessionRegularMarket, 15)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNoSources)
	assert.ErrorIs(t, err, apperrors.ErrParse)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDiscoverWithoutSources(t *testing.T) {
	agg := NewAggregator(nil, zerolog.Nop())

	got, err := agg.Discover(context.Background(), models.SessionPreMarket, 0)
	assert.ErrorIs(t, err, apperrors.ErrNoSources)
	assert.Empty(t, got)
}

func TestRegisterRejectsDuplicatesAndWrongSession(t *testing.T) {
	agg := NewAggregator(nil, zerolog.Nop())
	require.NoError(t, agg.Register(models.SessionRegularMarket, &stubSource{name: "a"}))

	err := agg.Register(models.SessionRegularMarket, &stubSource{name: "a"})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	premarket := NewStockAnalysisPremarket("", http.DefaultClient, "")
	err = agg.Register(models.SessionRegularMarket, premarket)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	assert.Equal(t, []string{"a"}, agg.Sources(models.SessionRegularMarket))
}

func TestDiscoverOpenBreakerSkipsSource(t *testing.T) {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.CoolDown = time.Hour
	agg := NewAggregator(resilience.NewCircuitBreakerRegistry(cfg), zerolog.Nop())

	flaky := &stubSource{name: "flaky", err: errors.New("boom")}
	good := &stubSource{name: "good", symbols: []string{"AAPL"}}
	require.NoError(t, agg.Register(models.SessionRegularMarket, flaky))
	require.NoError(t, agg.Register(models.SessionRegularMarket, good))

	ctx := context.Background()
	_, err := agg.Discover(ctx, models.SessionRegularMarket, 0)
	require.NoError(t, err)
	got, err := agg.Discover(ctx, models.SessionRegularMarket, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, got)
	assert.Equal(t, int32(1), flaky.calls.Load())
	assert.ErrorIs(t, agg.LastResults(models.SessionRegularMarket)[0].Err, resilience.ErrCircuitOpen)
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"aapl", "AAPL", true},
		{"  brk.b ", "BRK.B", true},
		{"$tsla", "TSLA", true},
		{"BF-B", "BF-B", true},
		{"", "", false},
		{"   ", "", false},
		{"AA PL", "", false},
		{"<td>", "", false},
		{"ABCDEFGHIJKLM", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeSymbol(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

const mainTableFixture = `<!DOCTYPE html>
<html><body>
<table class="other"><tbody><tr><td>1</td><td>NOPE</td></tr></tbody></table>
<table id="main-table">
  <thead><tr><th>No.</th><th>Symbol</th><th>Company</th></tr></thead>
  <tbody>
    <tr><td>1</td><td><a href="/stocks/abcd/">ABCD</a></td><td>Abcd Corp</td></tr>
    <tr><td>2</td><td> EFG </td><td>Efg Inc</td></tr>
    <tr><td>3</td><td></td><td>Blank</td></tr>
  </tbody>
</table>
</body></html>`

func TestParseMainTable(t *testing.T) {
	got, err := ParseMainTable(strings.NewReader(mainTableFixture))
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCD", "EFG"}, got)

	_, err = ParseMainTable(strings.NewReader("<html><body><p>no table</p></body></html>"))
	assert.Error(t, err)
}

func TestStockAnalysisList(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/gainers/", r.URL.Path)
		assert.Equal(t, "scanner-test", r.Header.Get("User-Agent"))
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(mainTableFixture))
	}))
	defer srv.Close()

	src := NewStockAnalysisGainers(srv.URL, srv.Client(), "scanner-test")
	got, err := src.List(context.Background(), models.SessionRegularMarket)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCD", "EFG"}, got)

	status.Store(http.StatusTooManyRequests)
	_, err = src.List(context.Background(), models.SessionRegularMarket)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestAPISources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/query":
			assert.Equal(t, "TOP_GAINERS_LOSERS", r.URL.Query().Get("function"))
			assert.Equal(t, "av-key", r.URL.Query().Get("apikey"))
			fmt.Fprint(w, `{"top_gainers":[{"ticker":"AAA","change_percentage":"50%"},{"ticker":"BBB"}]}`)
		case "/biggest-gainers":
			assert.Equal(t, "fmp-key", r.URL.Query().Get("apikey"))
			fmt.Fprint(w, `[{"symbol":"CCC"},{"symbol":"DDD"}]`)
		case "/v2/snapshot/locale/us/markets/stocks/gainers":
			assert.Equal(t, "pg-key", r.URL.Query().Get("apiKey"))
			fmt.Fprint(w, `{"tickers":[{"ticker":"EEE","todaysChangePerc":12.5},{"ticker":"FFF"}]}`)
		case "/screener/stocks/movers":
			assert.Equal(t, "id", r.Header.Get("APCA-API-KEY-ID"))
			assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
			fmt.Fprint(w, `{"gainers":[{"symbol":"GGG"}],"losers":[{"symbol":"ZZZ"}]}`)
		case "/screener/stocks/most-actives":
			assert.Equal(t, "volume", r.URL.Query().Get("by"))
			fmt.Fprint(w, `{"most_actives":[{"symbol":"HHH","volume":1000}]}`)
		case "/stock_exchanges/USCOMP/gainers":
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "in-key", user)
			assert.Empty(t, pass)
			assert.Equal(t, "100", r.URL.Query().Get("page_size"))
			fmt.Fprint(w, `{"securities":[{"security":{"ticker":"III"}},{"security":{}},{"security":{"ticker":"JJJ"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		src  Source
		want []string
	}{
		{NewAlphaVantageGainers(srv.URL+"/query", "av-key", srv.Client()), []string{"AAA", "BBB"}},
		{NewFMPGainers(srv.URL, "fmp-key", srv.Client()), []string{"CCC", "DDD"}},
		{NewPolygonGainers(srv.URL, "pg-key", srv.Client()), []string{"EEE"}},
		{NewAlpacaMovers(srv.URL, "id", "secret", srv.Client()), []string{"GGG"}},
		{NewAlpacaMostActive(srv.URL, "id", "secret", srv.Client()), []string{"HHH"}},
		{NewIntrinioGainers(srv.URL, "in-key", srv.Client()), []string{"III", "JJJ"}},
	}
	for _, tt := range tests {
		got, err := tt.src.List(context.Background(), models.SessionRegularMarket)
		require.NoError(t, err, tt.src.Name())
		assert.Equal(t, tt.want, got, tt.src.Name())
	}
}

func TestAlphaVantageThrottleNote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Information":"rate limit reached"}`)
	}))
	defer srv.Close()

	_, err := NewAlphaVantageGainers(srv.URL, "k", srv.Client()).List(context.Background(), models.SessionRegularMarket)
	assert.ErrorIs(t, err, apperrors.ErrParse)
}

type moversProvider struct {
	movers []broker.Mover
}

func (p *moversProvider) GetQuote(ctx context.Context, symbol string) (*broker.QuoteData, error) {
	return nil, errors.New("not used")
}

func (p *moversProvider) GetFundamentals(ctx context.Context, symbol string) (*broker.FundamentalSummary, error) {
	return nil, errors.New("not used")
}

func (p *moversProvider) GetMovers(ctx context.Context, index, sort string) ([]broker.Mover, error) {
	return p.movers, nil
}

func TestRegisterAllFromConfig(t *testing.T) {
	primary := &moversProvider{movers: []broker.Mover{{Symbol: "AAPL"}, {Symbol: "MSFT"}}}
	b := &Builder{Primary: primary, Client: http.DefaultClient}
	agg := NewAggregator(nil, zerolog.Nop())

	// The FMP source has no key and is left out.
	err := RegisterAll(agg, b, models.SessionRegularMarket,
		[]string{SourceSchwabMovers, SourceFMPGainers, SourceStockAnalysisActive}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{SourceSchwabMovers, SourceStockAnalysisActive}, agg.Sources(models.SessionRegularMarket))

	err = RegisterAll(agg, b, models.SessionPreMarket, []string{"yahoo_trending"}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	b.Credentials = config.Credentials{FMP: config.APIKeyCredentials{APIKey: "k"}}
	src, err := b.Build(SourceFMPGainers)
	require.NoError(t, err)
	assert.Equal(t, SourceFMPGainers, src.Name())

	_, err = b.Build(SourceIntrinioGainers)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	got, err := NewSchwabMovers(primary).List(context.Background(), models.SessionPreMarket)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)
}

// Feature: market-scanner, Property 4: Discovery output is deduplicated
//
// Property: for any set of source listings, Discover returns each normalized
// symbol once, in first-seen order, and never more than limit per source.
func TestProperty_DiscoverDeduplicates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbolGen := gen.OneConstOf("AAPL", "aapl", "MSFT", "TSLA", "$tsla", "GME", "AMC", "", "NVDA")
	listingGen := gen.SliceOfN(8, symbolGen)

	properties.Property("symbols are unique and bounded", prop.ForAll(
		func(first, second []string, limit int) bool {
			agg := NewAggregator(nil, zerolog.Nop())
			_ = agg.Register(models.SessionPreMarket, &stubSource{name: "first", symbols: first})
			_ = agg.Register(models.SessionPreMarket, &stubSource{name: "second", symbols: second})

			got, err := agg.Discover(context.Background(), models.SessionPreMarket, limit)
			if err != nil {
				return false
			}
			if limit > 0 && len(got) > 2*limit {
				return false
			}

			seen := make(map[string]bool)
			for _, s := range got {
				if seen[s] || s != strings.ToUpper(s) || s == "" {
					return false
				}
				seen[s] = true
			}

			// Every valid symbol of the first source's window is present.
			taken := 0
			for _, raw := range first {
				if limit > 0 && taken >= limit {
					break
				}
				sym, ok := NormalizeSymbol(raw)
				if !ok {
					continue
				}
				taken++
				if !seen[sym] {
					return false
				}
			}
			return true
		},
		listingGen,
		listingGen,
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
