// Package notify delivers signed webhook callbacks when a job reaches a
// terminal state. Delivery is best-effort: a webhook that never lands
// does not change the job's outcome.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/resilience"
)

// Event names the terminal transition a webhook announces.
type Event string

const (
	EventJobCompleted Event = "job.completed"
	EventJobFailed    Event = "job.failed"
	EventJobCancelled Event = "job.cancelled"
)

// EventForStatus maps a terminal job status to its webhook event.
func EventForStatus(status model.JobStatus) Event {
	switch status {
	case model.JobStatusCompleted:
		return EventJobCompleted
	case model.JobStatusCancelled:
		return EventJobCancelled
	}
	return EventJobFailed
}

// Payload is the webhook body. Receivers verify the signature header
// against the raw bytes before trusting any of it.
type Payload struct {
	Event        Event           `json:"event"`
	JobID        string          `json:"job_id"`
	EntityRef    string          `json:"entity_ref"`
	Status       model.JobStatus `json:"status"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	Error        *model.JobError `json:"error,omitempty"`
	ResultURL    string          `json:"result_url,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
}

// Notifier delivers a payload to a callback URL.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, payload Payload) error
}

// WebhookNotifier posts JSON payloads signed with HMAC-SHA256. Transient
// delivery failures are retried on the shared backoff schedule; 4xx
// responses are treated as permanent.
type WebhookNotifier struct {
	httpClient *http.Client
	secret     []byte
	retry      resilience.RetryConfig
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(n *WebhookNotifier) {
		n.httpClient = c
	}
}

// WithMaxAttempts bounds delivery attempts, first try included.
func WithMaxAttempts(attempts int) Option {
	return func(n *WebhookNotifier) {
		n.retry.MaxAttempts = attempts
	}
}

// WithBaseDelay sets the delay before the first redelivery.
func WithBaseDelay(d time.Duration) Option {
	return func(n *WebhookNotifier) {
		n.retry.BaseDelay = d
	}
}

// NewWebhook creates a notifier signing payloads with secret.
func NewWebhook(secret string, opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		secret:     []byte(secret),
		retry: resilience.RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			OnRetry:     resilience.RetryLogger("notify", "webhook delivery"),
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the payload to callbackURL. An empty URL is a no-op: jobs
// submitted without a callback are polled instead.
func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, payload Payload) error {
	if callbackURL == "" {
		return nil
	}
	if payload.SentAt.IsZero() {
		payload.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}
	signature := Sign(n.secret, body)

	err = resilience.Do(ctx, n.retry, func(ctx context.Context) error {
		return n.post(ctx, callbackURL, payload, body, signature)
	})
	if err != nil {
		return eris.Wrapf(err, "notify: delivering %s for job %s", payload.Event, payload.JobID)
	}

	zap.L().Info("webhook delivered",
		zap.String("job_id", payload.JobID),
		zap.String("event", string(payload.Event)),
	)
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, callbackURL string, payload Payload, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Krawlr-Signature", signature)
	req.Header.Set("X-Krawlr-Event", string(payload.Event))
	req.Header.Set("X-Krawlr-Job-Id", payload.JobID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("notify: receiver returned status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}

// Sign computes the signature header value for a payload body:
// "sha256=" followed by the hex HMAC-SHA256 digest.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a received signature header against the raw body.
// Receivers should reject payloads failing this check.
func Verify(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
