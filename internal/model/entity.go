package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	maxEntityRefLength = 2048
	maxNameLength      = 200
)

// ValidationError rejects a malformed entity reference at submission time.
// Jobs failing validation are never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// blockedHosts are never scraped: loopback, private ranges and cloud
// metadata endpoints. Substring match mirrors how operators list them.
var blockedHosts = []string{
	"localhost", "127.0.0.1", "0.0.0.0", "::1",
	"192.168.", "10.", "172.16.", "172.31.",
	"metadata.google.internal", "169.254.169.254",
}

// Entity is the company under investigation, derived from a job's entity
// reference at pipeline start.
type Entity struct {
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ValidateEntityRef checks a submitted entity reference (URL or bare name).
func ValidateEntityRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return &ValidationError{Field: "entity_ref", Reason: "must be non-empty"}
	}
	if len(ref) > maxEntityRefLength {
		return &ValidationError{Field: "entity_ref", Reason: fmt.Sprintf("exceeds %d characters", maxEntityRefLength)}
	}
	for _, p := range []string{"file://", "ftp://", "javascript:", "data:"} {
		if strings.Contains(strings.ToLower(ref), p) {
			return &ValidationError{Field: "entity_ref", Reason: "disallowed scheme"}
		}
	}
	if !looksLikeURL(ref) {
		if len(ref) > maxNameLength {
			return &ValidationError{Field: "entity_ref", Reason: fmt.Sprintf("name exceeds %d characters", maxNameLength)}
		}
		return nil
	}

	u, err := url.Parse(withScheme(ref))
	if err != nil {
		return &ValidationError{Field: "entity_ref", Reason: "unparseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "entity_ref", Reason: "scheme must be http or https"}
	}
	host := u.Hostname()
	if host == "" {
		return &ValidationError{Field: "entity_ref", Reason: "URL must include a domain"}
	}
	for _, blocked := range blockedHosts {
		if strings.Contains(host, blocked) {
			return &ValidationError{Field: "entity_ref", Reason: fmt.Sprintf("access to %s is not allowed", host)}
		}
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return &ValidationError{Field: "entity_ref", Reason: fmt.Sprintf("access to %s is not allowed", host)}
	}
	return nil
}

// ParseEntity builds an Entity from a validated reference. URL references
// yield a domain and a name guessed from it; bare names pass through.
func ParseEntity(ref string) Entity {
	ref = strings.TrimSpace(ref)
	if !looksLikeURL(ref) {
		return Entity{Ref: ref, Name: sanitizeName(ref)}
	}
	raw := withScheme(ref)
	u, err := url.Parse(raw)
	if err != nil {
		return Entity{Ref: ref, Name: sanitizeName(ref)}
	}
	domain := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return Entity{
		Ref:    ref,
		Name:   nameFromDomain(domain),
		Domain: domain,
		URL:    raw,
	}
}

// Fingerprint derives the dedup key for an entity reference: fold case,
// strip scheme, www prefix and trailing slash so that equivalent
// references collapse to one pipeline execution within the cache window.
func Fingerprint(ref string) string {
	s := cases.Fold().String(strings.TrimSpace(ref))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(s, "/")
	return strings.Join(strings.Fields(s), " ")
}

// nameFromDomain guesses a display name from a registrable domain,
// e.g. "stripe.com" -> "Stripe".
func nameFromDomain(domain string) string {
	label, _, _ := strings.Cut(domain, ".")
	if label == "" {
		return domain
	}
	return cases.Title(language.English).String(label)
}

func sanitizeName(name string) string {
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	return strings.Join(strings.Fields(clean), " ")
}

// looksLikeURL distinguishes "stripe.com" from "Stripe, Inc.". Anything
// with whitespace or commas is treated as a company name.
func looksLikeURL(ref string) bool {
	if strings.Contains(ref, "://") {
		return true
	}
	return strings.Contains(ref, ".") && !strings.ContainsAny(ref, " ,\t")
}

func withScheme(ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	return "https://" + ref
}
