package yahoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompanyWebsite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/AAPL", r.URL.Path)
		assert.Equal(t, "assetProfile", r.URL.Query().Get("modules"))
		w.Write([]byte(`{"quoteSummary": {"result": [
			{"assetProfile": {"website": "https://www.apple.com"}}
		]}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	website, err := c.CompanyWebsite(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "https://www.apple.com", website)
}

func TestCompanyWebsiteUnknownTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	website, err := c.CompanyWebsite(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Empty(t, website)
}

func TestCompanyWebsiteEmptyProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteSummary": {"result": []}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	website, err := c.CompanyWebsite(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Empty(t, website)
}
