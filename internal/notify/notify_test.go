package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawlr/intel-engine/internal/model"
)

func TestNotifySignsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	score := 87.5
	n := NewWebhook("topsecret")
	err := n.Notify(context.Background(), srv.URL, Payload{
		Event:        EventJobCompleted,
		JobID:        "job-1",
		EntityRef:    "stripe.com",
		Status:       model.JobStatusCompleted,
		QualityScore: &score,
		ResultURL:    "/v1/jobs/job-1/result",
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "job.completed", gotHeaders.Get("X-Krawlr-Event"))
	assert.Equal(t, "job-1", gotHeaders.Get("X-Krawlr-Job-Id"))
	assert.True(t, Verify([]byte("topsecret"), gotBody, gotHeaders.Get("X-Krawlr-Signature")),
		"signature must verify against the raw body")
	assert.False(t, Verify([]byte("wrong"), gotBody, gotHeaders.Get("X-Krawlr-Signature")))

	var payload Payload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "job-1", payload.JobID)
	require.NotNil(t, payload.QualityScore)
	assert.Equal(t, 87.5, *payload.QualityScore)
	assert.False(t, payload.SentAt.IsZero())
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhook("s", WithMaxAttempts(5), WithBaseDelay(time.Millisecond))
	err := n.Notify(context.Background(), srv.URL, Payload{Event: EventJobCompleted, JobID: "job-2"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhook("s", WithMaxAttempts(3), WithBaseDelay(time.Millisecond))
	err := n.Notify(context.Background(), srv.URL, Payload{Event: EventJobFailed, JobID: "job-3"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	n := NewWebhook("s", WithMaxAttempts(5), WithBaseDelay(time.Millisecond))
	err := n.Notify(context.Background(), srv.URL, Payload{Event: EventJobFailed, JobID: "job-4"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a 4xx response is never retried")
}

func TestNotifyEmptyCallbackIsNoop(t *testing.T) {
	n := NewWebhook("s")
	assert.NoError(t, n.Notify(context.Background(), "", Payload{Event: EventJobCompleted}))
}

func TestEventForStatus(t *testing.T) {
	assert.Equal(t, EventJobCompleted, EventForStatus(model.JobStatusCompleted))
	assert.Equal(t, EventJobCancelled, EventForStatus(model.JobStatusCancelled))
	assert.Equal(t, EventJobFailed, EventForStatus(model.JobStatusFailed))
}
