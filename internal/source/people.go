package source

import (
	"context"
	"regexp"
	"time"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// PeopleSource extracts founders and executives from search snippets.
type PeopleSource struct {
	search websearch.Client
}

// NewPeopleSource creates the people capability.
func NewPeopleSource(search websearch.Client) *PeopleSource {
	return &PeopleSource{search: search}
}

func (s *PeopleSource) Name() string { return "people" }

func (s *PeopleSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespacePeople}
}

var (
	founderRe = regexp.MustCompile(`(?:founded by|co-founders?|founders?)[,:\s]+([A-Z][a-z]+ [A-Z][a-z]+)(?:\s+and\s+([A-Z][a-z]+ [A-Z][a-z]+))?`)
	execRe    = regexp.MustCompile(`(?:CEO|CTO|CFO|COO|CRO|President|Chairman)[,:\s]+([A-Z][a-z]+ [A-Z][a-z]+)`)
	// "Jane Doe, CEO" style.
	execSuffixRe = regexp.MustCompile(`([A-Z][a-z]+ [A-Z][a-z]+),\s+(?:CEO|CTO|CFO|COO|CRO|President|Chairman)`)
)

func (s *PeopleSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	results, err := s.search.Search(ctx, entity.Name+" founders executives leadership", 10)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	var founders, executives []string
	for _, r := range results {
		text := r.Title + ". " + r.Description
		for _, m := range founderRe.FindAllStringSubmatch(text, -1) {
			founders = append(founders, m[1])
			if m[2] != "" {
				founders = append(founders, m[2])
			}
		}
		for _, m := range execRe.FindAllStringSubmatch(text, -1) {
			executives = append(executives, m[1])
		}
		for _, m := range execSuffixRe.FindAllStringSubmatch(text, -1) {
			executives = append(executives, m[1])
		}
	}
	founders = dedupe(founders)
	executives = dedupe(executives)
	keyPeople := dedupe(append(append([]string{}, founders...), executives...))

	status := model.SourceStatusOK
	if len(keyPeople) == 0 {
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload: map[model.Namespace]map[string]any{
			model.NamespacePeople: {
				"founders":   founders,
				"executives": executives,
				"key_people": keyPeople,
			},
		},
		Latency: time.Since(start),
	}, nil
}
