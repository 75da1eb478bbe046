package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/edgar"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// fakeCapability claims namespaces without doing any work.
type fakeCapability struct {
	name       string
	namespaces []model.Namespace
}

func (f *fakeCapability) Name() string                  { return f.name }
func (f *fakeCapability) Namespaces() []model.Namespace { return f.namespaces }
func (f *fakeCapability) Run(context.Context, model.Entity) (model.SourceResult, error) {
	return model.SourceResult{SourceName: f.name, Status: model.SourceStatusOK}, nil
}

// fakeSearch returns canned results for every query.
type fakeSearch struct {
	results []websearch.Result
	err     error
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]websearch.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func TestRegistryExclusiveOwnership(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&fakeCapability{
		name:       "identity",
		namespaces: []model.Namespace{model.NamespaceIdentity},
	}))
	require.NoError(t, r.Register(&fakeCapability{
		name:       "website",
		namespaces: []model.Namespace{model.NamespaceOnlinePresence, model.NamespaceProducts},
	}))

	err := r.Register(&fakeCapability{
		name:       "rogue",
		namespaces: []model.Namespace{model.NamespaceNews, model.NamespaceIdentity},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already owned by identity")

	// A rejected capability claims nothing, not even its free namespaces.
	assert.Empty(t, r.Owner(model.NamespaceNews))
	assert.Equal(t, "identity", r.Owner(model.NamespaceIdentity))
	assert.Len(t, r.Capabilities(), 2)
}

func TestRegistryEnricherOverlapsOwners(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeCapability{
		name:       "identity",
		namespaces: []model.Namespace{model.NamespaceIdentity},
	}))

	e := &AIEnricher{model: "test"}
	r.SetEnricher(e)
	assert.Equal(t, e, r.Enricher())
	// The enricher's write scope overlaps identity without conflicting.
	assert.Equal(t, "identity", r.Owner(model.NamespaceIdentity))
}

func TestIdentitySource(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "Stripe", URL: "https://stripe.com", Description: "Payments infrastructure for the internet"},
	}}
	s := NewIdentitySource(search)

	res, err := s.Run(context.Background(), model.Entity{
		Ref: "stripe.com", Name: "Stripe", Domain: "stripe.com", URL: "https://stripe.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	identity := res.Payload[model.NamespaceIdentity]
	assert.Equal(t, "Stripe", identity["name"])
	assert.Equal(t, "stripe.com", identity["domain"])
	assert.Equal(t, "Payments infrastructure for the internet", identity["description"])
}

func TestIdentitySourceSearchFailureIsPartial(t *testing.T) {
	search := &fakeSearch{err: assert.AnError}
	s := NewIdentitySource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Stripe", Name: "Stripe"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusPartial, res.Status)
	assert.Equal(t, "Stripe", res.Payload[model.NamespaceIdentity]["name"])
}

func TestWebsiteSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="https://twitter.com/acme">Twitter</a>
			<a href="https://www.linkedin.com/company/acme">LinkedIn</a>
			<a href="/products/widgets">Widgets</a>
			<a href="/products/gadgets"><span>Gadgets</span></a>
			<a href="mailto:hello@acme.com">Contact</a>
			<a href="tel:+1 (555) 123-4567">Call us</a>
		</body></html>`))
	}))
	t.Cleanup(srv.Close)

	s := NewWebsiteSource(nil)
	res, err := s.Run(context.Background(), model.Entity{
		Ref: srv.URL, Name: "Acme", URL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	presence := res.Payload[model.NamespaceOnlinePresence]
	social := presence["social_media"].(map[string]string)
	assert.Equal(t, "https://twitter.com/acme", social["twitter"])
	assert.Contains(t, social["linkedin"], "linkedin.com/company/acme")
	assert.Equal(t, []string{"hello@acme.com"}, presence["emails"])

	products := res.Payload[model.NamespaceProducts]["items"].([]string)
	assert.ElementsMatch(t, []string{"Widgets", "Gadgets"}, products)
}

func TestWebsiteSourceNoURL(t *testing.T) {
	s := NewWebsiteSource(nil)
	res, err := s.Run(context.Background(), model.Entity{Ref: "Acme", Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFailed, res.Status)
	assert.Contains(t, res.Error, "no URL")
}

func TestWebsiteSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	s := NewWebsiteSource(nil)
	res, err := s.Run(context.Background(), model.Entity{Ref: srv.URL, Name: "Acme", URL: srv.URL})
	require.NoError(t, err, "source failures are recorded, not returned")
	assert.Equal(t, model.SourceStatusFailed, res.Status)
	assert.Contains(t, res.Error, "status 403")
}

func TestPeopleSource(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "About Acme", Description: "Acme was founded by Jane Doe and John Smith in 2015."},
		{Title: "Leadership", Description: "CEO: Jane Doe. The CTO, Alan Turing, joined later."},
		{Title: "Board", Description: "Grace Hopper, CFO of the company since 2020."},
	}}
	s := NewPeopleSource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Acme", Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	people := res.Payload[model.NamespacePeople]
	assert.ElementsMatch(t, []string{"Jane Doe", "John Smith"}, people["founders"])
	assert.Contains(t, people["executives"], "Jane Doe")
	assert.Contains(t, people["executives"], "Grace Hopper")
	assert.Contains(t, people["key_people"], "John Smith")
}

func TestCompetitorsSource(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "Stripe vs Adyen", Description: "Comparing Stripe versus Braintree for online payments."},
		{Title: "Top alternatives", Description: "Popular Stripe competitors include Square, Checkout and PayPal."},
	}}
	s := NewCompetitorsSource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Stripe", Name: "Stripe"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	items := res.Payload[model.NamespaceCompetitors]["items"].([]string)
	assert.Contains(t, items, "Adyen")
	assert.Contains(t, items, "Braintree")
	assert.Contains(t, items, "Square")
	assert.Contains(t, items, "PayPal")
	assert.NotContains(t, items, "Stripe", "entity itself is never its own competitor")
}

func TestNewsSource(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "Acme ships v2", URL: "https://example.com/1", Description: "A release", Age: "2 days ago"},
		{Title: "Acme raises", URL: "https://example.com/2", Description: "A round"},
	}}
	s := NewNewsSource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Acme", Name: "Acme"})
	require.NoError(t, err)

	news := res.Payload[model.NamespaceNews]
	assert.Equal(t, 2, news["total"])
	articles := news["articles"].([]map[string]any)
	require.Len(t, articles, 2)
	assert.Equal(t, "Acme ships v2", articles[0]["title"])
	assert.Equal(t, "2 days ago", articles[0]["age"])
}

func TestFundingSource(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "Stripe raises $6.5 billion", Description: "The Series I round was led by Andreessen Horowitz, among others."},
		{Title: "Earlier round", Description: "A $600 million Series H preceded it."},
	}}
	s := NewFundingSource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Stripe", Name: "Stripe"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	funding := res.Payload[model.NamespaceFunding]
	assert.Equal(t, 6.5e9, funding["total_raised_usd"])
	assert.Equal(t, "USD", funding["currency"])
	assert.Equal(t, 2, funding["round_count"])
	assert.Equal(t, []string{"Series H", "Series I"}, funding["latest_rounds"])
	assert.Contains(t, funding["investors"], "Andreessen Horowitz")
}

func TestFundingSourceNoSignals(t *testing.T) {
	search := &fakeSearch{results: []websearch.Result{
		{Title: "Unrelated", Description: "Nothing about money here."},
	}}
	s := NewFundingSource(search)

	res, err := s.Run(context.Background(), model.Entity{Ref: "Acme", Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusPartial, res.Status)
}

func TestAIEnricherFillsOnlyMissing(t *testing.T) {
	var gotPrompt string
	e := &AIEnricher{
		model: "test",
		complete: func(_ context.Context, prompt string) (string, error) {
			gotPrompt = prompt
			return `{"identity": {"industry": "Fintech", "founded_year": 2010}}`, nil
		},
	}

	current := map[model.Namespace]map[string]any{
		model.NamespaceIdentity: {
			"name":    "Stripe",
			"website": "https://stripe.com",
		},
	}
	out, err := e.Enrich(context.Background(), model.Entity{Name: "Stripe", Domain: "stripe.com"}, current)
	require.NoError(t, err)
	assert.Equal(t, "Fintech", out[model.NamespaceIdentity]["industry"])

	assert.Contains(t, gotPrompt, "industry")
	assert.NotContains(t, gotPrompt, `"name",`, "filled fields are not requested")
}

func TestAIEnricherNothingMissing(t *testing.T) {
	e := &AIEnricher{
		model: "test",
		complete: func(context.Context, string) (string, error) {
			t.Fatal("model must not be called when nothing is missing")
			return "", nil
		},
	}

	current := map[model.Namespace]map[string]any{}
	for _, ns := range e.WriteScope() {
		current[ns] = map[string]any{}
		for _, f := range model.ExpectedFields[ns] {
			current[ns][f] = "filled"
		}
	}

	out, err := e.Enrich(context.Background(), model.Entity{Name: "Stripe"}, current)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestAIEnricherCodeFence(t *testing.T) {
	e := &AIEnricher{
		model: "test",
		complete: func(context.Context, string) (string, error) {
			return "```json\n{\"competitors\": {\"items\": [\"Adyen\"]}}\n```", nil
		},
	}

	out, err := e.Enrich(context.Background(), model.Entity{Name: "Stripe"}, nil)
	require.NoError(t, err)
	items := out[model.NamespaceCompetitors]["items"].([]any)
	assert.Equal(t, "Adyen", items[0])
}

// fakeEdgar serves canned ticker and facts data.
type fakeEdgar struct {
	match *edgar.TickerMatch
	facts *edgar.CompanyFacts
	err   error
}

func (f *fakeEdgar) ResolveTicker(context.Context, string) (*edgar.TickerMatch, error) {
	return f.match, f.err
}

func (f *fakeEdgar) CompanyFacts(context.Context, string) (*edgar.CompanyFacts, error) {
	return f.facts, f.err
}

func TestFilingsSource(t *testing.T) {
	s := NewFilingsSource(&fakeEdgar{
		match: &edgar.TickerMatch{CIK: "0000320193", Ticker: "AAPL", Title: "Apple Inc."},
		facts: &edgar.CompanyFacts{
			CIK: "0000320193", EntityName: "Apple Inc.",
			Revenue: 383e9, NetIncome: 97e9, FiscalYear: 2023,
		},
	})

	res, err := s.Run(context.Background(), model.Entity{Ref: "apple.com", Name: "Apple"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusOK, res.Status)

	fin := res.Payload[model.NamespaceFinancial]
	assert.Equal(t, "AAPL", fin["ticker"])
	assert.Equal(t, true, fin["public_company"])
	assert.Equal(t, 383e9, fin["revenue"])
	assert.Equal(t, 2023, fin["fiscal_year"])
}

func TestFilingsSourceUnlisted(t *testing.T) {
	s := NewFilingsSource(&fakeEdgar{})

	res, err := s.Run(context.Background(), model.Entity{Ref: "stripe.com", Name: "Stripe"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFailed, res.Status)
	assert.Contains(t, res.Error, "no listed company")
}

func TestWebsiteSourceContextTimeout(t *testing.T) {
	// A hung upstream is bounded by the caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	s := NewWebsiteSource(nil)
	res, err := s.Run(ctx, model.Entity{Ref: srv.URL, Name: "Acme", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFailed, res.Status)
}
