package merge

import (
	"math"
	"reflect"

	"github.com/krawlr/intel-engine/internal/model"
)

// Namespace weights. Financial and funding share one weight because an
// entity only ever has one of the two populated; the better one counts.
const financialOrFundingWeight = 20.0

var namespaceWeights = map[model.Namespace]float64{
	model.NamespaceIdentity:       20,
	model.NamespacePeople:         15,
	model.NamespaceProducts:       15,
	model.NamespaceCompetitors:    10,
	model.NamespaceNews:           10,
	model.NamespaceOnlinePresence: 10,
}

// Score computes the 0-100 quality score of a merged record. The score
// is a pure function of the namespace payloads: identical inputs always
// produce identical scores, with no randomness and no clock.
func Score(namespaces map[model.Namespace]map[string]any) float64 {
	var score float64
	for ns, weight := range namespaceWeights {
		score += weight * completeness(ns, namespaces[ns])
	}

	financial := completeness(model.NamespaceFinancial, namespaces[model.NamespaceFinancial])
	funding := completeness(model.NamespaceFunding, namespaces[model.NamespaceFunding])
	score += financialOrFundingWeight * math.Max(financial, funding)

	// Two decimal places keeps scores stable across float ordering.
	return math.Round(score*100) / 100
}

// completeness is the average field value over the namespace's expected
// field set.
func completeness(ns model.Namespace, fields map[string]any) float64 {
	expected := model.ExpectedFields[ns]
	if len(expected) == 0 || len(fields) == 0 {
		return 0
	}

	var sum float64
	for _, name := range expected {
		sum += fieldValue(fields[name])
	}
	return sum / float64(len(expected))
}

// fieldValue grades a single field: empty is 0, a list is worth its
// length up to 10 items, anything else present is 1.
func fieldValue(v any) float64 {
	if v == nil {
		return 0
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return 0
		}
		return 1
	case bool:
		return 1
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		if n == 0 {
			return 0
		}
		if n > 10 {
			n = 10
		}
		return float64(n) / 10
	case reflect.Map:
		if rv.Len() == 0 {
			return 0
		}
		return 1
	}
	return 1
}

func emptyValue(v any) bool {
	return fieldValue(v) == 0
}
