package source

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// FundingSource derives venture funding signals for private companies
// from search snippets.
type FundingSource struct {
	search websearch.Client
}

// NewFundingSource creates the private-funding capability.
func NewFundingSource(search websearch.Client) *FundingSource {
	return &FundingSource{search: search}
}

func (s *FundingSource) Name() string { return model.SourcePrivateFunding }

func (s *FundingSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceFunding}
}

var (
	amountRe   = regexp.MustCompile(`\$([0-9]+(?:\.[0-9]+)?)\s*(billion|million|bn|m\b)`)
	roundRe    = regexp.MustCompile(`Series\s+([A-K])\b`)
	investorRe = regexp.MustCompile(`(?:led by|investors include|backed by)\s+([A-Z][A-Za-z0-9 ]{2,40}?)(?:[,.]|\s+and\b)`)
)

func (s *FundingSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	results, err := s.search.Search(ctx, entity.Name+" funding raised series valuation", 10)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	var totalRaised float64
	rounds := map[string]struct{}{}
	var investors []string

	for _, r := range results {
		text := r.Title + ". " + r.Description
		lower := strings.ToLower(text)

		for _, m := range amountRe.FindAllStringSubmatch(lower, -1) {
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(m[2], "b"):
				value *= 1e9
			default:
				value *= 1e6
			}
			// The largest figure seen approximates total raised; snippets
			// repeat the headline number far more often than round sizes.
			if value > totalRaised {
				totalRaised = value
			}
		}
		for _, m := range roundRe.FindAllStringSubmatch(text, -1) {
			rounds["Series "+m[1]] = struct{}{}
		}
		for _, m := range investorRe.FindAllStringSubmatch(text, -1) {
			investors = append(investors, strings.TrimSpace(m[1]))
		}
	}

	latestRounds := make([]string, 0, len(rounds))
	for r := range rounds {
		latestRounds = append(latestRounds, r)
	}
	sort.Strings(latestRounds)
	investors = dedupe(investors)

	payload := map[string]any{
		"currency":    "USD",
		"round_count": len(latestRounds),
	}
	if totalRaised > 0 {
		payload["total_raised_usd"] = totalRaised
	}
	if len(latestRounds) > 0 {
		payload["latest_rounds"] = latestRounds
	}
	if len(investors) > 0 {
		payload["investors"] = investors
	}

	status := model.SourceStatusOK
	if totalRaised == 0 && len(latestRounds) == 0 {
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload: map[model.Namespace]map[string]any{
			model.NamespaceFunding: payload,
		},
		Latency: time.Since(start),
	}, nil
}
