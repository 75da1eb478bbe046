// Package router decides which authoritative financial source serves an
// entity: SEC filings for confirmed listed companies, funding signals for
// everything else.
package router

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
)

// TickerResolver matches a company name to a listed ticker.
type TickerResolver interface {
	Resolve(ctx context.Context, name string) (ticker string, err error)
}

// DomainProfiler returns the official website for a ticker, used to
// guard against name collisions between private companies and listed
// ones.
type DomainProfiler interface {
	Website(ctx context.Context, ticker string) (string, error)
}

// Router picks the financial source for an entity. Every decision is
// returned with its reason; the caller persists it for audit.
type Router struct {
	allowlist *Allowlist
	resolver  TickerResolver
	profiler  DomainProfiler
}

// New creates a Router.
func New(allowlist *Allowlist, resolver TickerResolver, profiler DomainProfiler) *Router {
	return &Router{allowlist: allowlist, resolver: resolver, profiler: profiler}
}

// Decide routes an entity to exactly one financial source.
//
// Order matters: the allowlist is consulted before any resolver call, so
// a known private company never reaches the ticker path no matter how
// well its name matches a listed company.
func (r *Router) Decide(ctx context.Context, entity model.Entity) (model.RoutingDecision, error) {
	decision := model.RoutingDecision{
		EntityRef: entity.Ref,
		Timestamp: time.Now().UTC(),
	}

	if r.allowlist.Contains(entity.Name, entity.Domain) {
		decision.ChosenSource = model.SourcePrivateFunding
		decision.Reason = model.RoutingReasonAllowlist
		r.log(decision)
		return decision, nil
	}

	ticker, err := r.resolver.Resolve(ctx, entity.Name)
	if err != nil {
		// Resolver failures route private rather than failing the job;
		// the reason records why filings were not attempted.
		zap.L().Warn("ticker resolution failed",
			zap.String("entity", entity.Name),
			zap.Error(err),
		)
		decision.ChosenSource = model.SourcePrivateFunding
		decision.Reason = model.RoutingReasonTickerUnresolved
		r.log(decision)
		return decision, nil
	}
	if ticker == "" {
		decision.ChosenSource = model.SourcePrivateFunding
		decision.Reason = model.RoutingReasonTickerUnresolved
		r.log(decision)
		return decision, nil
	}
	decision.Ticker = ticker

	// A resolved ticker alone is not proof: the entity's domain must
	// exactly match the listed company's registered website.
	if entity.Domain != "" {
		website, err := r.profiler.Website(ctx, ticker)
		if err != nil || !domainsMatch(entity.Domain, website) {
			if err != nil {
				zap.L().Warn("domain guard lookup failed",
					zap.String("ticker", ticker),
					zap.Error(err),
				)
			}
			decision.ChosenSource = model.SourcePrivateFunding
			decision.Reason = model.RoutingReasonDomainGuard
			r.log(decision)
			return decision, nil
		}
	}

	decision.ChosenSource = model.SourcePublicFilings
	decision.Reason = model.RoutingReasonTickerResolved
	r.log(decision)
	return decision, nil
}

func (r *Router) log(d model.RoutingDecision) {
	zap.L().Info("routing decision",
		zap.String("entity", d.EntityRef),
		zap.String("source", d.ChosenSource),
		zap.String("reason", string(d.Reason)),
		zap.String("ticker", d.Ticker),
	)
}

// domainsMatch compares registrable domains exactly. "www." and scheme
// are stripped; subdomain or suffix matches do not count.
func domainsMatch(entityDomain, website string) bool {
	return normalizeDomain(entityDomain) != "" &&
		normalizeDomain(entityDomain) == normalizeDomain(website)
}

func normalizeDomain(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Hostname()
		}
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}
