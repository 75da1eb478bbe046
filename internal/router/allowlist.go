package router

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Allowlist maps well-known private companies to their domains. Entities
// on the list skip ticker resolution entirely: names like "Epic Games"
// collide with listed tickers and would otherwise be misrouted.
type Allowlist struct {
	byName   map[string]string
	byDomain map[string]struct{}
}

// builtinAllowlist covers the large private companies most frequently
// submitted. A YAML file can extend it at startup.
var builtinAllowlist = map[string]string{
	"stripe":     "stripe.com",
	"canva":      "canva.com",
	"spacex":     "spacex.com",
	"databricks": "databricks.com",
	"bytedance":  "bytedance.com",
	"shein":      "shein.com",
	"revolut":    "revolut.com",
	"klarna":     "klarna.com",
	"instacart":  "instacart.com",
	"epic games": "epicgames.com",
	"openai":     "openai.com",
	"anthropic":  "anthropic.com",
	"xai":        "x.ai",
	"figure ai":  "figure.ai",
	"chime":      "chime.com",
	"discord":    "discord.com",
	"notion":     "notion.so",
	"plaid":      "plaid.com",
}

// NewAllowlist builds the allowlist from the built-in entries plus an
// optional YAML file of name: domain pairs.
func NewAllowlist(path string) (*Allowlist, error) {
	entries := make(map[string]string, len(builtinAllowlist))
	for name, domain := range builtinAllowlist {
		entries[name] = domain
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "router: read allowlist %s", path)
		}
		var extra map[string]string
		if err := yaml.Unmarshal(data, &extra); err != nil {
			return nil, eris.Wrapf(err, "router: parse allowlist %s", path)
		}
		for name, domain := range extra {
			entries[foldName(name)] = strings.ToLower(domain)
		}
	}

	al := &Allowlist{
		byName:   make(map[string]string, len(entries)),
		byDomain: make(map[string]struct{}, len(entries)),
	}
	for name, domain := range entries {
		al.byName[foldName(name)] = domain
		al.byDomain[domain] = struct{}{}
	}
	return al, nil
}

// Contains reports whether the entity's name or domain is allowlisted.
// Names match by containment in either direction, so "Stripe, Inc." and
// "Epic" still hit their entries; submitted names rarely carry the exact
// canonical spelling.
func (a *Allowlist) Contains(name, domain string) bool {
	if domain != "" {
		if _, ok := a.byDomain[strings.ToLower(domain)]; ok {
			return true
		}
	}
	folded := foldName(name)
	if folded == "" {
		return false
	}
	if _, ok := a.byName[folded]; ok {
		return true
	}
	for key := range a.byName {
		if strings.Contains(folded, key) || strings.Contains(key, folded) {
			return true
		}
	}
	return false
}

func foldName(name string) string {
	return strings.Join(strings.Fields(cases.Fold().String(name)), " ")
}
