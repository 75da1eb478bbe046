package edgar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tickerIndexJSON = `{
	"0": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
	"1": {"cik_str": 789019, "ticker": "MSFT", "title": "MICROSOFT CORP"},
	"2": {"cik_str": 1318605, "ticker": "TSLA", "title": "Tesla, Inc."}
}`

func newTickerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/company_tickers.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(tickerIndexJSON))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveTicker(t *testing.T) {
	srv := newTickerServer(t)
	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000))
	ctx := context.Background()

	t.Run("exact symbol", func(t *testing.T) {
		m, err := c.ResolveTicker(ctx, "aapl")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "AAPL", m.Ticker)
		assert.Equal(t, "0000320193", m.CIK)
	})

	t.Run("title prefix", func(t *testing.T) {
		m, err := c.ResolveTicker(ctx, "Apple")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "AAPL", m.Ticker)
	})

	t.Run("title prefix before comma", func(t *testing.T) {
		m, err := c.ResolveTicker(ctx, "Tesla")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "TSLA", m.Ticker)
	})

	t.Run("no match returns nil", func(t *testing.T) {
		m, err := c.ResolveTicker(ctx, "Stripe")
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("empty name returns nil", func(t *testing.T) {
		m, err := c.ResolveTicker(ctx, "   ")
		require.NoError(t, err)
		assert.Nil(t, m)
	})
}

func TestResolveTickerCachesIndex(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(tickerIndexJSON))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000))
	ctx := context.Background()

	_, err := c.ResolveTicker(ctx, "AAPL")
	require.NoError(t, err)
	_, err = c.ResolveTicker(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestCompanyFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/xbrl/companyfacts/CIK0000320193.json", r.URL.Path)
		w.Write([]byte(`{
			"entityName": "Apple Inc.",
			"facts": {"us-gaap": {
				"Revenues": {"units": {"USD": [
					{"val": 1000, "fy": 2022, "form": "10-K"},
					{"val": 1200, "fy": 2023, "form": "10-K"},
					{"val": 999, "fy": 2023, "form": "10-Q"}
				]}},
				"NetIncomeLoss": {"units": {"USD": [
					{"val": 300, "fy": 2023, "form": "10-K"}
				]}},
				"Assets": {"units": {"USD": [
					{"val": 5000, "fy": 2023, "form": "10-K"}
				]}}
			}}
		}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithDataURL(srv.URL), WithRateLimit(1000))
	facts, err := c.CompanyFacts(context.Background(), "0000320193")
	require.NoError(t, err)

	assert.Equal(t, "Apple Inc.", facts.EntityName)
	assert.Equal(t, float64(1200), facts.Revenue, "latest 10-K wins, 10-Q ignored")
	assert.Equal(t, float64(300), facts.NetIncome)
	assert.Equal(t, float64(5000), facts.Assets)
	assert.Equal(t, 2023, facts.FiscalYear)
	assert.Zero(t, facts.Liabilities)
}

func TestCompanyFactsRetriesTransient(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"entityName": "Apple Inc.", "facts": {"us-gaap": {}}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithDataURL(srv.URL), WithRateLimit(1000))
	facts, err := c.CompanyFacts(context.Background(), "0000320193")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", facts.EntityName)
	assert.Equal(t, 2, hits)
}
