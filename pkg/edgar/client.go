// Package edgar provides SEC EDGAR ticker resolution and company facts.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/krawlr/intel-engine/internal/resilience"
)

// Client resolves company names to tickers and fetches XBRL company facts.
type Client interface {
	// ResolveTicker finds the listed company best matching a name or
	// ticker symbol. Returns nil when nothing matches.
	ResolveTicker(ctx context.Context, name string) (*TickerMatch, error)

	// CompanyFacts fetches the latest annual financial facts for a CIK.
	CompanyFacts(ctx context.Context, cik string) (*CompanyFacts, error)
}

// TickerMatch is one entry of the SEC company ticker index.
type TickerMatch struct {
	CIK    string `json:"cik"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// CompanyFacts holds the most recent annual XBRL figures in USD.
type CompanyFacts struct {
	CIK         string  `json:"cik"`
	EntityName  string  `json:"entity_name"`
	Revenue     float64 `json:"revenue,omitempty"`
	NetIncome   float64 `json:"net_income,omitempty"`
	Assets      float64 `json:"assets,omitempty"`
	Liabilities float64 `json:"liabilities,omitempty"`
	Equity      float64 `json:"equity,omitempty"`
	FiscalYear  int     `json:"fiscal_year,omitempty"`
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithBaseURL overrides the www.sec.gov base (ticker index).
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithDataURL overrides the data.sec.gov base (company facts).
func WithDataURL(u string) Option {
	return func(c *client) { c.dataURL = strings.TrimSuffix(u, "/") }
}

// WithUserAgent sets the User-Agent the SEC requires on every request.
func WithUserAgent(ua string) Option {
	return func(c *client) { c.userAgent = ua }
}

// WithRateLimit sets the requests-per-second limit. The SEC throttles
// above 10 req/s.
func WithRateLimit(rps float64) Option {
	return func(c *client) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

type client struct {
	httpClient *http.Client
	baseURL    string
	dataURL    string
	userAgent  string
	limiter    *rate.Limiter
	breaker    *resilience.Breaker

	mu      sync.Mutex
	tickers []TickerMatch
}

// NewClient creates an EDGAR client with the given options.
func NewClient(opts ...Option) Client {
	c := &client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://www.sec.gov",
		dataURL:    "https://data.sec.gov",
		userAgent:  "intel-engine admin@example.com",
		limiter:    rate.NewLimiter(8, 1),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name: "edgar",
			// Only upstream weather opens the circuit; 4xx responses are
			// this side's problem and keep flowing.
			ShouldTrip: resilience.IsTransient,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) ResolveTicker(ctx context.Context, name string) (*TickerMatch, error) {
	tickers, err := c.tickerIndex(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, nil
	}

	// Exact ticker symbol first, then exact title, then title prefix.
	for _, t := range tickers {
		if strings.ToLower(t.Ticker) == needle {
			return &t, nil
		}
	}
	for _, t := range tickers {
		if strings.ToLower(t.Title) == needle {
			return &t, nil
		}
	}
	for _, t := range tickers {
		title := strings.ToLower(t.Title)
		if strings.HasPrefix(title, needle+" ") || strings.HasPrefix(title, needle+",") || title == needle {
			return &t, nil
		}
	}
	return nil, nil
}

// tickerIndex loads and caches the SEC company ticker file.
func (c *client) tickerIndex(ctx context.Context) ([]TickerMatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickers != nil {
		return c.tickers, nil
	}

	body, err := c.get(ctx, c.baseURL+"/files/company_tickers.json")
	if err != nil {
		return nil, eris.Wrap(err, "edgar: fetch ticker index")
	}

	var raw map[string]struct {
		CIK    int64  `json:"cik_str"`
		Ticker string `json:"ticker"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "edgar: decode ticker index")
	}

	tickers := make([]TickerMatch, 0, len(raw))
	for _, e := range raw {
		tickers = append(tickers, TickerMatch{
			CIK:    fmt.Sprintf("%010d", e.CIK),
			Ticker: e.Ticker,
			Title:  e.Title,
		})
	}
	c.tickers = tickers
	return tickers, nil
}

// factTags maps XBRL us-gaap tags to CompanyFacts fields. The first tag
// with an annual USD value wins.
var factTags = map[string][]string{
	"revenue":     {"Revenues", "RevenueFromContractWithCustomerExcludingAssessedTax", "SalesRevenueNet"},
	"net_income":  {"NetIncomeLoss"},
	"assets":      {"Assets"},
	"liabilities": {"Liabilities"},
	"equity":      {"StockholdersEquity"},
}

func (c *client) CompanyFacts(ctx context.Context, cik string) (*CompanyFacts, error) {
	url := fmt.Sprintf("%s/api/xbrl/companyfacts/CIK%s.json", c.dataURL, cik)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, eris.Wrapf(err, "edgar: fetch company facts %s", cik)
	}

	var doc struct {
		EntityName string `json:"entityName"`
		Facts      struct {
			USGAAP map[string]struct {
				Units map[string][]struct {
					Val  float64 `json:"val"`
					FY   int     `json:"fy"`
					Form string  `json:"form"`
				} `json:"units"`
			} `json:"us-gaap"`
		} `json:"facts"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, eris.Wrap(err, "edgar: decode company facts")
	}

	facts := &CompanyFacts{CIK: cik, EntityName: doc.EntityName}
	for field, tags := range factTags {
		for _, tag := range tags {
			concept, ok := doc.Facts.USGAAP[tag]
			if !ok {
				continue
			}
			val, fy, found := latestAnnual(concept.Units["USD"])
			if !found {
				continue
			}
			switch field {
			case "revenue":
				facts.Revenue = val
			case "net_income":
				facts.NetIncome = val
			case "assets":
				facts.Assets = val
			case "liabilities":
				facts.Liabilities = val
			case "equity":
				facts.Equity = val
			}
			if fy > facts.FiscalYear {
				facts.FiscalYear = fy
			}
			break
		}
	}
	return facts, nil
}

func latestAnnual(entries []struct {
	Val  float64 `json:"val"`
	FY   int     `json:"fy"`
	Form string  `json:"form"`
}) (float64, int, bool) {
	var val float64
	var fy int
	var found bool
	for _, e := range entries {
		if e.Form != "10-K" {
			continue
		}
		if e.FY >= fy {
			val, fy, found = e.Val, e.FY, true
		}
	}
	return val, fy, found
}

// get fetches url behind the breaker; a run of transient failures across
// requests stops traffic to the SEC until it recovers.
func (c *client) get(ctx context.Context, url string) ([]byte, error) {
	return resilience.GuardVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.fetch(ctx, url)
	})
}

func (c *client) fetch(ctx context.Context, url string) ([]byte, error) {
	return resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		OnRetry:     resilience.RetryLogger("edgar", "get"),
	}, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "edgar: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "edgar: build request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "edgar: request")
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("edgar: status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("edgar: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
}
