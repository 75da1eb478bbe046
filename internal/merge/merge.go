// Package merge combines source results into one unified record and
// scores its completeness.
package merge

import (
	"time"

	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
)

// OwnerFunc reports which source owns a namespace.
type OwnerFunc func(ns model.Namespace) string

// Merge assembles a unified record from per-source results. A payload
// section is copied only when its source owns the namespace; anything
// else is dropped and logged, so a buggy source can never corrupt
// another's data. Failed sources contribute provenance but no fields.
func Merge(entity model.Entity, results []model.SourceResult, owner OwnerFunc) *model.UnifiedRecord {
	record := &model.UnifiedRecord{
		Entity:      entity,
		Namespaces:  make(map[model.Namespace]map[string]any),
		GeneratedAt: time.Now().UTC(),
	}

	for _, res := range results {
		audit := model.SourceAudit{
			Source:    res.SourceName,
			Status:    res.Status,
			LatencyMS: res.Latency.Milliseconds(),
			Error:     res.Error,
		}

		for ns, fields := range res.Payload {
			if owner(ns) != res.SourceName {
				zap.L().Warn("dropping unowned namespace payload",
					zap.String("source", res.SourceName),
					zap.String("namespace", string(ns)),
					zap.String("owner", owner(ns)),
				)
				continue
			}
			if res.Status == model.SourceStatusFailed {
				continue
			}
			record.Namespaces[ns] = copyFields(fields)
			audit.Namespaces = append(audit.Namespaces, ns)
		}

		record.SourcesUsed = append(record.SourcesUsed, audit)
	}

	record.QualityScore = Score(record.Namespaces)
	return record
}

// ApplyEnrichment fills gaps in the record from a second-pass source.
// Only fields inside the enricher's scope that are still empty are
// written; owned values always win. Returns the number of fields added.
func ApplyEnrichment(record *model.UnifiedRecord, enricherName string, scope []model.Namespace, enrichment map[model.Namespace]map[string]any) int {
	if len(enrichment) == 0 {
		return 0
	}

	scoped := make(map[model.Namespace]struct{}, len(scope))
	for _, ns := range scope {
		scoped[ns] = struct{}{}
	}

	var added int
	var touched []model.Namespace
	for ns, fields := range enrichment {
		if _, ok := scoped[ns]; !ok {
			zap.L().Warn("enrichment outside write scope dropped",
				zap.String("enricher", enricherName),
				zap.String("namespace", string(ns)),
			)
			continue
		}
		for field, value := range fields {
			if emptyValue(value) {
				continue
			}
			current := record.Namespaces[ns]
			if existing, ok := current[field]; ok && !emptyValue(existing) {
				continue
			}
			if current == nil {
				current = make(map[string]any)
				record.Namespaces[ns] = current
			}
			current[field] = value
			added++
		}
		if len(record.Namespaces[ns]) > 0 {
			touched = append(touched, ns)
		}
	}

	if added > 0 {
		record.SourcesUsed = append(record.SourcesUsed, model.SourceAudit{
			Source:     enricherName,
			Namespaces: touched,
			Status:     model.SourceStatusOK,
		})
		record.QualityScore = Score(record.Namespaces)
	}
	return added
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
