package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
)

// completionFunc abstracts the model call for testing.
type completionFunc func(ctx context.Context, prompt string) (string, error)

// AIEnricher fills identity and competitor gaps the primary sources left
// behind. It is a second-pass, non-owning source: the merger only accepts
// its values for fields that are still empty.
type AIEnricher struct {
	model    string
	complete completionFunc
}

// NewAIEnricher creates the enrichment source backed by the Anthropic API.
func NewAIEnricher(apiKey, modelID string) *AIEnricher {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AIEnricher{
		model: modelID,
		complete: func(ctx context.Context, prompt string) (string, error) {
			msg, err := client.Messages.New(ctx, sdk.MessageNewParams{
				Model:     sdk.Model(modelID),
				MaxTokens: 1024,
				Messages: []sdk.MessageParam{
					sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
				},
			})
			if err != nil {
				return "", eris.Wrap(err, "enrich: create message")
			}
			var sb strings.Builder
			for _, block := range msg.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			return sb.String(), nil
		},
	}
}

func (e *AIEnricher) Name() string { return "ai_enrichment" }

// WriteScope limits enrichment to profile gaps; financial figures and
// funding data always come from their authoritative sources.
func (e *AIEnricher) WriteScope() []model.Namespace {
	return []model.Namespace{model.NamespaceIdentity, model.NamespaceCompetitors}
}

func (e *AIEnricher) Enrich(ctx context.Context, entity model.Entity, current map[model.Namespace]map[string]any) (map[model.Namespace]map[string]any, error) {
	missing := e.missingFields(current)
	if len(missing) == 0 {
		return nil, nil
	}

	prompt := e.buildPrompt(entity, missing)
	text, err := e.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	parsed, err := parseEnrichment(text)
	if err != nil {
		zap.L().Warn("enrichment response unparseable",
			zap.String("entity", entity.Name),
			zap.Error(err),
		)
		return nil, err
	}
	return parsed, nil
}

func (e *AIEnricher) missingFields(current map[model.Namespace]map[string]any) map[model.Namespace][]string {
	missing := make(map[model.Namespace][]string)
	for _, ns := range e.WriteScope() {
		have := current[ns]
		for _, field := range model.ExpectedFields[ns] {
			if v, ok := have[field]; !ok || isEmpty(v) {
				missing[ns] = append(missing[ns], field)
			}
		}
	}
	for ns, fields := range missing {
		if len(fields) == 0 {
			delete(missing, ns)
		}
	}
	return missing
}

func (e *AIEnricher) buildPrompt(entity model.Entity, missing map[model.Namespace][]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a company research assistant. Company: %q", entity.Name)
	if entity.Domain != "" {
		fmt.Fprintf(&sb, " (domain %s)", entity.Domain)
	}
	sb.WriteString(".\nFill in only the fields listed below, using verified public knowledge. ")
	sb.WriteString("Respond with a single JSON object keyed by section, no prose. ")
	sb.WriteString("Omit any field you are not confident about.\n")
	for ns, fields := range missing {
		fmt.Fprintf(&sb, "Section %q: %s\n", ns, strings.Join(fields, ", "))
	}
	return sb.String()
}

func parseEnrichment(text string) (map[model.Namespace]map[string]any, error) {
	// Models occasionally wrap JSON in a code fence.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("enrich: no JSON object in response")
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, eris.Wrap(err, "enrich: decode response")
	}

	out := make(map[model.Namespace]map[string]any, len(raw))
	for k, v := range raw {
		out[model.Namespace(k)] = v
	}
	return out, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
