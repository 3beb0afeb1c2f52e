package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/pkg/utils"
)

type fakeTokens struct {
	token   atomic.Value
	forced  atomic.Int32
	tokErr  error
	nextTok string
}

func newFakeTokens(token string) *fakeTokens {
	f := &fakeTokens{}
	f.token.Store(token)
	return f
}

func (f *fakeTokens) GetValidToken(ctx context.Context) (string, error) {
	if f.tokErr != nil {
		return "", f.tokErr
	}
	return f.token.Load().(string), nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context) (*models.Credential, error) {
	f.forced.Add(1)
	if f.nextTok == "" {
		return nil, apperrors.ErrAuthExpired
	}
	f.token.Store(f.nextTok)
	return &models.Credential{AccessToken: f.nextTok}, nil
}

func newTestClient(t *testing.T, tokens TokenSource, handler http.HandlerFunc) *SchwabClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewSchwabClient(srv.URL, tokens,
		WithHTTPClient(srv.Client()),
		WithRateLimit(0, 0),
		WithRetry(utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}),
	)
}

const aaplQuote = `{
  "AAPL": {
    "symbol": "AAPL",
    "quote": {
      "lastPrice": 189.5,
      "netPercentChange": 2.31,
      "totalVolume": 51234567,
      "quoteTime": 1709823600123
    },
    "reference": {"description": "Apple Inc"}
  }
}`

func TestGetQuote(t *testing.T) {
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/AAPL/quotes", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(aaplQuote))
	})

	q, err := client.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "Apple Inc", *q.CompanyName)
	assert.InDelta(t, 189.5, *q.Quote.LastPrice, 1e-9)
	assert.InDelta(t, 2.31, *q.Quote.ChangePercent, 1e-9)
	assert.Equal(t, int64(51234567), *q.Quote.Volume)
	assert.Equal(t, time.UnixMilli(1709823600123).UTC(), q.Quote.QuoteTime)
}

func TestGetQuoteWithoutUsableTime(t *testing.T) {
	bodies := map[string]string{
		"missing": `{"AAPL": {"quote": {"lastPrice": 189.5, "netPercentChange": 2.31, "totalVolume": 51234567}}}`,
		"invalid": `{"AAPL": {"quote": {"lastPrice": 189.5, "netPercentChange": 2.31, "totalVolume": 51234567, "quoteTime": 42}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			q, err := client.GetQuote(context.Background(), "AAPL")
			require.NoError(t, err)
			require.NotNil(t, q)
			assert.True(t, q.Quote.QuoteTime.IsZero())
			assert.InDelta(t, 189.5, *q.Quote.LastPrice, 1e-9)
			assert.InDelta(t, 2.31, *q.Quote.ChangePercent, 1e-9)
			assert.Equal(t, int64(51234567), *q.Quote.Volume)
			assert.Nil(t, q.CompanyName)
		})
	}
}

func TestGetQuoteMissingSymbol(t *testing.T) {
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.GetQuote(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
}

func TestGetFundamentals(t *testing.T) {
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments", r.URL.Path)
		assert.Equal(t, "XYZ", r.URL.Query().Get("symbol"))
		assert.Equal(t, "fundamental", r.URL.Query().Get("projection"))
		_, _ = w.Write([]byte(`{"instruments":[{"symbol":"XYZ","fundamental":{
			"marketCap": 1.5e9, "avg1DayVolume": 0, "avg10DaysVolume": 250000, "avg3MonthVolume": 180000}}]}`))
	})

	f, err := client.GetFundamentals(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.InDelta(t, 1.5e9, *f.MarketCap, 1)
	assert.Nil(t, f.AvgVolume1Day)
	assert.InDelta(t, 250000, *f.AvgVolume10Day, 1e-9)

	existing := models.Fundamentals{AvgVolume1Day: models.Ptr(10.0)}
	f.Apply(&existing)
	assert.InDelta(t, 10.0, *existing.AvgVolume1Day, 1e-9)
	assert.InDelta(t, 180000, *existing.AvgVolume3Month, 1e-9)
}

func TestGetMovers(t *testing.T) {
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/movers/EQUITY_ALL", r.URL.Path)
		assert.Equal(t, SortPercentChangeUp, r.URL.Query().Get("sort"))
		_, _ = w.Write([]byte(`{"screeners":[
			{"symbol":"ABCD","description":"ABCD Corp","lastPrice":3.2,"netPercentChange":45.1,"volume":9000000},
			{"symbol":"EFG","lastPrice":1.1,"netPercentChange":30,"volume":100}]}`))
	})

	movers, err := client.GetMovers(context.Background(), IndexEquityAll, SortPercentChangeUp)
	require.NoError(t, err)
	require.Len(t, movers, 2)
	assert.Equal(t, "ABCD", movers[0].Symbol)
	assert.Equal(t, int64(9000000), movers[0].Volume)
	assert.Equal(t, "EFG", movers[1].Symbol)
}

func TestUnauthorizedForcesOneRefresh(t *testing.T) {
	tokens := newFakeTokens("stale")
	tokens.nextTok = "fresh"

	var calls atomic.Int32
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(aaplQuote))
	})

	q, err := client.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, int32(1), tokens.forced.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnauthorizedTwiceIsAuthExpired(t *testing.T) {
	tokens := newFakeTokens("stale")
	tokens.nextTok = "still-bad"

	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Equal(t, int32(1), tokens.forced.Load())
}

func TestTokenErrorPropagates(t *testing.T) {
	tokens := newFakeTokens("")
	tokens.tokErr = apperrors.Wrap(apperrors.ErrAuthExpired, "refresh token expired")

	var calls atomic.Int32
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Zero(t, calls.Load())
}

func TestRateLimitedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.Kind(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(aaplQuote))
	})

	_, err := client.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMalformedBodyIsParseError(t *testing.T) {
	client := newTestClient(t, newFakeTokens("tok"), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"AAPL": [`))
	})

	_, err := client.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrParse)
}
