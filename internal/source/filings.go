package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/pkg/edgar"
)

// FilingsSource pulls audited financials from SEC filings. It only runs
// for entities the router has confirmed as listed companies.
type FilingsSource struct {
	edgar edgar.Client
}

// NewFilingsSource creates the public-filings capability.
func NewFilingsSource(client edgar.Client) *FilingsSource {
	return &FilingsSource{edgar: client}
}

func (s *FilingsSource) Name() string { return model.SourcePublicFilings }

func (s *FilingsSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceFinancial}
}

func (s *FilingsSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	match, err := s.edgar.ResolveTicker(ctx, entity.Name)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}
	if match == nil {
		err := eris.Errorf("filings: no listed company matches %q", entity.Name)
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	facts, err := s.edgar.CompanyFacts(ctx, match.CIK)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	payload := map[string]any{
		"ticker":         match.Ticker,
		"cik":            match.CIK,
		"public_company": true,
	}
	if facts.Revenue != 0 {
		payload["revenue"] = facts.Revenue
	}
	if facts.NetIncome != 0 {
		payload["net_income"] = facts.NetIncome
	}
	if facts.Assets != 0 {
		payload["assets"] = facts.Assets
	}
	if facts.Liabilities != 0 {
		payload["liabilities"] = facts.Liabilities
	}
	if facts.Equity != 0 {
		payload["equity"] = facts.Equity
	}
	if facts.FiscalYear != 0 {
		payload["fiscal_year"] = facts.FiscalYear
	}

	status := model.SourceStatusOK
	if len(payload) == 3 {
		// Ticker resolved but no usable facts.
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload: map[model.Namespace]map[string]any{
			model.NamespaceFinancial: payload,
		},
		Latency: time.Since(start),
	}, nil
}
