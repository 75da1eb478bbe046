package model

import "time"

// Namespace is the exclusive subsection of a unified record a source is
// permitted to write. The set is closed: ownership is declared when a
// capability is constructed and enforced by the source registry.
type Namespace string

const (
	NamespaceIdentity       Namespace = "identity"
	NamespaceFinancial      Namespace = "financial"
	NamespaceFunding        Namespace = "funding"
	NamespacePeople         Namespace = "people"
	NamespaceProducts       Namespace = "products"
	NamespaceCompetitors    Namespace = "competitors"
	NamespaceNews           Namespace = "news"
	NamespaceOnlinePresence Namespace = "online_presence"
)

// AllNamespaces lists every namespace in scoring order.
var AllNamespaces = []Namespace{
	NamespaceIdentity,
	NamespaceFinancial,
	NamespaceFunding,
	NamespacePeople,
	NamespaceProducts,
	NamespaceCompetitors,
	NamespaceNews,
	NamespaceOnlinePresence,
}

// ExpectedFields enumerates the fields a fully-populated namespace carries.
// The quality scorer measures completeness against this set.
var ExpectedFields = map[Namespace][]string{
	NamespaceIdentity: {
		"name", "website", "domain", "description", "industry",
		"headquarters", "founded_year", "employee_count",
	},
	NamespaceFinancial: {
		"ticker", "cik", "public_company", "revenue", "net_income",
		"assets", "liabilities", "equity", "fiscal_year",
	},
	NamespaceFunding: {
		"total_raised_usd", "currency", "round_count", "latest_rounds", "investors",
	},
	NamespacePeople: {
		"founders", "executives", "board_members", "key_people",
	},
	NamespaceProducts: {
		"items",
	},
	NamespaceCompetitors: {
		"items",
	},
	NamespaceNews: {
		"articles", "total", "date_range",
	},
	NamespaceOnlinePresence: {
		"social_media", "emails", "phones", "sitemap_pages",
	},
}

// SourceStatus is the outcome of one capability run.
type SourceStatus string

const (
	SourceStatusOK      SourceStatus = "ok"
	SourceStatusPartial SourceStatus = "partial"
	SourceStatusFailed  SourceStatus = "failed"
)

// SourceResult is the typed payload a capability returns for one job
// attempt. Payload keys are grouped by namespace; a source only ever
// populates the namespaces it owns.
type SourceResult struct {
	SourceName string                       `json:"source_name"`
	Status     SourceStatus                 `json:"status"`
	Payload    map[Namespace]map[string]any `json:"payload,omitempty"`
	Error      string                       `json:"error,omitempty"`
	Latency    time.Duration                `json:"latency"`
}

// FailedResult builds the result recorded when a stage errors or times out.
func FailedResult(source string, err error, latency time.Duration) SourceResult {
	return SourceResult{
		SourceName: source,
		Status:     SourceStatusFailed,
		Error:      err.Error(),
		Latency:    latency,
	}
}

// RoutingReason explains why the router chose a financial source.
type RoutingReason string

const (
	RoutingReasonAllowlist        RoutingReason = "allowlist"
	RoutingReasonTickerResolved   RoutingReason = "ticker_resolved"
	RoutingReasonTickerUnresolved RoutingReason = "ticker_unresolved"
	RoutingReasonDomainGuard      RoutingReason = "domain_guard_failed"
)

// Financial source identifiers. Exactly one of the two runs per attempt.
const (
	SourcePublicFilings  = "public_filings"
	SourcePrivateFunding = "private_funding"
)

// RoutingDecision records which authoritative financial source was chosen
// for an entity and why. Decisions are always persisted for audit, never
// silently defaulted.
type RoutingDecision struct {
	EntityRef    string        `json:"entity_ref"`
	ChosenSource string        `json:"chosen_source"`
	Reason       RoutingReason `json:"reason"`
	Ticker       string        `json:"ticker,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SourceAudit is one entry of a unified record's provenance trail.
type SourceAudit struct {
	Source     string       `json:"source"`
	Namespaces []Namespace  `json:"namespaces"`
	Status     SourceStatus `json:"status"`
	LatencyMS  int64        `json:"latency_ms"`
	Error      string       `json:"error,omitempty"`
}

// UnifiedRecord is the merged output of all sources for one entity, plus
// the derived quality score and provenance. Every non-null field traces to
// exactly one contributing source in SourcesUsed.
type UnifiedRecord struct {
	Entity       Entity                       `json:"entity"`
	Namespaces   map[Namespace]map[string]any `json:"namespaces"`
	QualityScore float64                      `json:"quality_score"`
	SourcesUsed  []SourceAudit                `json:"sources_used"`
	Routing      *RoutingDecision             `json:"routing,omitempty"`
	GeneratedAt  time.Time                    `json:"generated_at"`
}
