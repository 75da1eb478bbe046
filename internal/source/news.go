package source

import (
	"context"
	"time"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/websearch"
)

// NewsSource collects recent coverage about the entity.
type NewsSource struct {
	search websearch.Client
}

// NewNewsSource creates the news capability.
func NewNewsSource(search websearch.Client) *NewsSource {
	return &NewsSource{search: search}
}

func (s *NewsSource) Name() string { return "news" }

func (s *NewsSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceNews}
}

func (s *NewsSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	results, err := s.search.Search(ctx, entity.Name+" news", 10)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	articles := make([]map[string]any, 0, len(results))
	for _, r := range results {
		article := map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"summary": r.Description,
		}
		if r.Age != "" {
			article["age"] = r.Age
		}
		articles = append(articles, article)
	}

	status := model.SourceStatusOK
	if len(articles) == 0 {
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload: map[model.Namespace]map[string]any{
			model.NamespaceNews: {
				"articles": articles,
				"total":    len(articles),
			},
		},
		Latency: time.Since(start),
	}, nil
}
