package source

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/resilience"
)

// WebsiteSource scrapes the entity's homepage for contact details, social
// profiles and product hints. Entities without a URL yield a failed result
// rather than an error: a missing website is a data gap, not a fault.
type WebsiteSource struct {
	httpClient *http.Client
	maxBody    int64
}

// NewWebsiteSource creates the website capability.
func NewWebsiteSource(hc *http.Client) *WebsiteSource {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebsiteSource{httpClient: hc, maxBody: 2 << 20}
}

func (s *WebsiteSource) Name() string { return "website" }

func (s *WebsiteSource) Namespaces() []model.Namespace {
	return []model.Namespace{model.NamespaceOnlinePresence, model.NamespaceProducts}
}

var (
	socialRe = regexp.MustCompile(`https?://(?:www\.)?(twitter\.com|x\.com|linkedin\.com|facebook\.com|instagram\.com|github\.com|youtube\.com)/[A-Za-z0-9_./-]+`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe  = regexp.MustCompile(`tel:([+0-9][0-9 ().-]{6,20})`)
	anchorRe = regexp.MustCompile(`(?is)<a[^>]+href="([^"]*?/(?:products?|solutions|platform)(?:/[^"]*)?)"[^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
)

func (s *WebsiteSource) Run(ctx context.Context, entity model.Entity) (model.SourceResult, error) {
	start := time.Now()

	if entity.URL == "" {
		err := eris.New("website: entity has no URL")
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	body, err := s.fetch(ctx, entity.URL)
	if err != nil {
		return model.FailedResult(s.Name(), err, time.Since(start)), nil
	}

	social := map[string]string{}
	for _, match := range socialRe.FindAllString(body, -1) {
		platform := socialPlatform(match)
		if _, seen := social[platform]; !seen {
			social[platform] = match
		}
	}

	emails := dedupe(emailRe.FindAllString(body, 20))
	var phones []string
	for _, m := range phoneRe.FindAllStringSubmatch(body, 10) {
		phones = append(phones, strings.TrimSpace(m[1]))
	}
	phones = dedupe(phones)

	var products []string
	for _, m := range anchorRe.FindAllStringSubmatch(body, 30) {
		label := strings.TrimSpace(tagRe.ReplaceAllString(m[2], ""))
		if label != "" && len(label) < 80 {
			products = append(products, label)
		}
	}
	products = dedupe(products)

	payload := map[model.Namespace]map[string]any{
		model.NamespaceOnlinePresence: {
			"social_media": social,
			"emails":       emails,
			"phones":       phones,
		},
		model.NamespaceProducts: {
			"items": products,
		},
	}

	status := model.SourceStatusOK
	if len(social) == 0 && len(emails) == 0 && len(products) == 0 {
		status = model.SourceStatusPartial
	}

	return model.SourceResult{
		SourceName: s.Name(),
		Status:     status,
		Payload:    payload,
		Latency:    time.Since(start),
	}, nil
}

func (s *WebsiteSource) fetch(ctx context.Context, url string) (string, error) {
	return resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		OnRetry:     resilience.RetryLogger("website", "fetch"),
	}, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", eris.Wrap(err, "website: build request")
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; intel-engine)")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return "", eris.Wrap(err, "website: request")
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(
				eris.Errorf("website: status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return "", eris.Errorf("website: status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
		if err != nil {
			return "", eris.Wrap(err, "website: read body")
		}
		return string(data), nil
	})
}

func socialPlatform(url string) string {
	for _, p := range []string{"twitter", "x.com", "linkedin", "facebook", "instagram", "github", "youtube"} {
		if strings.Contains(url, p) {
			if p == "x.com" {
				return "twitter"
			}
			return p
		}
	}
	return "other"
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
