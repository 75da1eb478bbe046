package source

import (
	"context"
	"time"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// IdentitySource establishes the basic company profile: name, website,
// domain and a short description derived from search snippets.
type IdentitySource struct {
	search websearch.Client
}

// NewIdentitySource creates the identity capability.
func NewIdentitySource(search websearch.Client) *IdentitySource {
	return &IdentitySource{search: search}
}

func (s *IdentitySource) Name() string { return "identity" }

func (s *IdentitySource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceIdentity}
}

func (s *IdentitySource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	payload := map[string]any{
		"name": entity.Name,
	}
	if entity.Domain != "" {
		payload["domain"] = entity.Domain
	}
	if entity.URL != "" {
		payload["website"] = entity.URL
	}

	status := model.SourceStatusOK
	results, err := s.search.Search(ctx, entity.Name+" company about", 5)
	if err != nil {
		// The profile skeleton from the entity itself still counts.
		status = model.SourceStatusPartial
	} else if len(results) > 0 {
		payload["description"] = results[0].Description
		if entity.URL == "" {
			payload["website"] = results[0].URL
		}
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload:    map[model.Namespace]map[string]any{model.NamespaceIdentity: payload},
		Latency:    time.Since(start),
	}, nil
}
