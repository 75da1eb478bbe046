package source

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// CompetitorsSource derives competitor names from search snippets.
type CompetitorsSource struct {
	search websearch.Client
}

// NewCompetitorsSource creates the competitors capability.
func NewCompetitorsSource(search websearch.Client) *CompetitorsSource {
	return &CompetitorsSource{search: search}
}

func (s *CompetitorsSource) Name() string { return "competitors" }

func (s *CompetitorsSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceCompetitors}
}

// Snippets name competitors in a handful of recurring shapes:
// "X vs Y", "alternatives like X, Y and Z", "competitors include X".
var (
	vsRe        = regexp.MustCompile(`(?:vs\.?|versus)\s+([A-Z][A-Za-z0-9]+)`)
	listIntroRe = regexp.MustCompile(`(?:competitors|alternatives)(?:\s+(?:include|like|such as|are))[:\s]+([A-Z][A-Za-z0-9]+(?:,\s*[A-Z][A-Za-z0-9]+)*(?:,?\s+and\s+[A-Z][A-Za-z0-9]+)?)`)
)

func (s *CompetitorsSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	results, err := s.search.Search(ctx, entity.Name+" competitors alternatives", 10)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	var names []string
	for _, r := range results {
		text := r.Title + ". " + r.Description
		for _, m := range vsRe.FindAllStringSubmatch(text, -1) {
			names = append(names, m[1])
		}
		for _, m := range listIntroRe.FindAllStringSubmatch(text, -1) {
			for _, part := range splitNameList(m[1]) {
				names = append(names, part)
			}
		}
	}

	items := make([]string, 0, len(names))
	for _, n := range dedupe(names) {
		if strings.EqualFold(n, entity.Name) {
			continue
		}
		items = append(items, n)
		if len(items) == 10 {
			break
		}
	}

	status := model.SourceStatusOK
	if len(items) == 0 {
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload: map[model.Namespace]map[string]any{
			model.NamespaceCompetitors: {"items": items},
		},
		Latency: time.Since(start),
	}, nil
}

func splitNameList(list string) []string {
	list = strings.ReplaceAll(list, " and ", ",")
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
