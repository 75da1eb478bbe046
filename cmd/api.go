package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/queue"
	"github.com/krawlr/intel-engine/internal/store"
)

// apiServer exposes job submission, status and results over HTTP.
type apiServer struct {
	store       store.Store
	queue       queue.Queue
	dedupWindow time.Duration
}

func newAPIServer(st store.Store, q queue.Queue, dedupWindow time.Duration) *apiServer {
	return &apiServer{store: st, queue: q, dedupWindow: dedupWindow}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Get("/jobs/{id}/result", s.handleResult)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/queue/stats", s.handleStats)
	})
	return r
}

type submitRequest struct {
	EntityRef   string `json:"entity_ref"`
	RequesterID string `json:"requester_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type submitResponse struct {
	Job          *model.Job `json:"job"`
	Deduplicated bool       `json:"deduplicated"`
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = r.Header.Get("X-Requester-Id")
	}
	if req.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}
	if err := model.ValidateEntityRef(req.EntityRef); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid entity_ref")
		return
	}

	ctx := r.Context()
	fingerprint := model.Fingerprint(req.EntityRef)

	// An equivalent submission inside the dedup window reuses the prior
	// job instead of running the pipeline again.
	if existing, err := s.store.FindByFingerprint(ctx, fingerprint, s.dedupWindow); err != nil {
		writeError(w, http.StatusInternalServerError, "dedup lookup failed")
		return
	} else if existing != nil {
		writeJSON(w, http.StatusOK, submitResponse{Job: existing, Deduplicated: true})
		return
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		EntityRef:   req.EntityRef,
		RequesterID: req.RequesterID,
		CallbackURL: req.CallbackURL,
		Fingerprint: fingerprint,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if eris.Is(err, store.ErrDuplicateJob) {
			// Lost a race with an equivalent submission; the unique index
			// guarantees one pipeline run, so hand back the winner.
			existing, ferr := s.store.FindByFingerprint(ctx, fingerprint, s.dedupWindow)
			if ferr == nil && existing != nil {
				writeJSON(w, http.StatusOK, submitResponse{Job: existing, Deduplicated: true})
				return
			}
			writeError(w, http.StatusConflict, "equivalent submission in flight")
			return
		}
		zap.L().Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "creating job failed")
		return
	}
	if err := s.queue.Enqueue(ctx, job.ID, time.Now().UTC()); err != nil {
		zap.L().Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueueing job failed")
		return
	}

	zap.L().Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("entity", job.EntityRef),
		zap.String("requester", job.RequesterID),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleResult(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var notReady *store.NotReadyError
		if errors.As(err, &notReady) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "result not ready",
				"status": notReady.Status,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "loading result failed")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	err := s.store.RequestCancel(r.Context(), jobID)
	if err != nil {
		if eris.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if eris.Is(err, store.ErrFinalized) {
			writeError(w, http.StatusConflict, "job already finalized")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel request failed")
		return
	}
	zap.L().Info("cancellation requested", zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status:      model.JobStatus(r.URL.Query().Get("status")),
		RequesterID: r.URL.Query().Get("requester_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
