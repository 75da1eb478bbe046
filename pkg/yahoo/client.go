// Package yahoo provides company profile lookups from the Yahoo quote API.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/krawlr/intel-engine/internal/resilience"
)

// Client fetches listed-company profiles by ticker.
type Client interface {
	// CompanyWebsite returns the official website registered for a
	// ticker's asset profile, or "" when the profile has none.
	CompanyWebsite(ctx context.Context, ticker string) (string, error)
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithBaseURL overrides the query API base.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

type client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a quote-profile client with the given options.
func NewClient(opts ...Option) Client {
	c := &client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://query2.finance.yahoo.com",
		limiter:    rate.NewLimiter(2, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) CompanyWebsite(ctx context.Context, ticker string) (string, error) {
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=assetProfile",
		c.baseURL, url.PathEscape(strings.ToUpper(ticker)))

	body, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		OnRetry:     resilience.RetryLogger("yahoo", "quote_summary"),
	}, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "yahoo: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "yahoo: build request")
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; intel-engine)")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "yahoo: request")
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("yahoo: status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("yahoo: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return "", err
	}
	if body == nil {
		return "", nil
	}

	var doc struct {
		QuoteSummary struct {
			Result []struct {
				AssetProfile struct {
					Website string `json:"website"`
				} `json:"assetProfile"`
			} `json:"result"`
		} `json:"quoteSummary"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", eris.Wrap(err, "yahoo: decode quote summary")
	}
	if len(doc.QuoteSummary.Result) == 0 {
		return "", nil
	}
	return doc.QuoteSummary.Result[0].AssetProfile.Website, nil
}
