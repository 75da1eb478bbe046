// Package websearch provides web search via the Brave Search API.
package websearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/krawlr/intel-engine/internal/resilience"
)

// Client runs web searches.
type Client interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Result is one organic search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

type client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
}

// NewClient creates a search client. The API key is required.
func NewClient(apiKey string, opts ...Option) Client {
	c := &client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://api.search.brave.com/res/v1",
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(1, 1),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:       "websearch",
			ShouldTrip: resilience.IsTransient,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if count <= 0 || count > 20 {
		count = 10
	}
	endpoint := c.baseURL + "/web/search?q=" + url.QueryEscape(query) +
		"&count=" + strconv.Itoa(count)

	body, err := resilience.GuardVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.fetch(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}

	var doc struct {
		Web struct {
			Results []Result `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, eris.Wrap(err, "websearch: decode response")
	}
	return doc.Web.Results, nil
}

func (c *client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	return resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		OnRetry:     resilience.RetryLogger("websearch", "search"),
	}, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "websearch: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "websearch: build request")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "websearch: request")
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("websearch: status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("websearch: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
}
