package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"review-worker/internal/config"
	"review-worker/internal/events"
	"review-worker/internal/models"
	"review-worker/internal/queue"
	"review-worker/internal/ratelimit"
	"review-worker/internal/telemetry"
)

// JobRecorder mirrors accepted jobs into durable storage.
type JobRecorder interface {
	UpsertJob(ctx context.Context, job models.Job) error
}

// Server wires HTTP handlers for webhook ingress and operator reads.
type Server struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	limiter  *ratelimit.Limiter
	events   *events.Publisher
	recorder JobRecorder
	validate *validator.Validate
	log      *zap.Logger
}

// New constructs the API server. limiter, pub and recorder may be nil.
func New(cfg config.Config, q *queue.RedisQueue, limiter *ratelimit.Limiter, pub *events.Publisher, recorder JobRecorder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		events:   pub,
		recorder: recorder,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/github", s.handleWebhook)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleJobLogs)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type enqueueRequest struct {
	Kind         models.JobKind `json:"kind" validate:"required,oneof=review reply"`
	Repository   string         `json:"repository" validate:"required"`
	Number       int            `json:"number" validate:"gt=0"`
	HeadRevision string         `json:"head_revision" validate:"required_if=Kind review"`
	CommentID    int64          `json:"comment_id" validate:"required_if=Kind reply"`
	CloneURL     string         `json:"clone_url" validate:"omitempty,url"`
	DelaySeconds int            `json:"delay_seconds" validate:"gte=0"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Result string `json:"result"`
}

// handleEnqueue accepts an operator-submitted job.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job := s.newJob(req.Kind, req.Repository, req.Number, req.HeadRevision, req.CommentID)
	job.CloneURL = req.CloneURL
	job.Action = "manual"
	runAt := time.Now()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	s.accept(w, r, job, runAt)
}

func (s *Server) newJob(kind models.JobKind, repo string, number int, head string, commentID int64) models.Job {
	job := models.Job{
		Kind:               kind,
		RepositoryFullName: repo,
		ChangeNumber:       number,
		HeadRevision:       head,
		CommentID:          commentID,
		MaxAttempts:        s.cfg.MaxAttempts,
		Backoff:            models.Backoff{Type: models.DefaultBackoff.Type, Delay: s.cfg.BackoffInitial},
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.Backoff.Delay <= 0 {
		job.Backoff = models.DefaultBackoff
	}
	job.ID = models.JobID(kind, repo, number, head, commentID)
	return job
}

// accept rate limits per repository, validates and enqueues job.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, job models.Job, runAt time.Time) {
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		res := s.limiter.Check(r.Context(), job.RepositoryFullName, ratelimit.Options{
			MaxRequests: s.cfg.RateLimitMaxRequests,
			Window:      s.cfg.RateLimitWindow,
			KeyPrefix:   "ingress:ratelimit",
		})
		if res.Err != nil {
			s.log.Warn("rate limiter unavailable, admitting", zap.Error(res.Err))
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			telemetry.RateLimitRejects.Inc()
			retry := int(time.Until(res.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	result, err := s.queue.Enqueue(r.Context(), job, runAt)
	if err != nil {
		s.log.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if result == queue.Duplicate {
		telemetry.DuplicateEnqueues.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
		job.State = models.StateWaiting
		if s.recorder != nil {
			if err := s.recorder.UpsertJob(r.Context(), job); err != nil {
				s.log.Warn("record job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
	s.log.Info("job accepted", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)),
		zap.String("repository", job.RepositoryFullName), zap.String("result", result.String()))
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Result: result.String()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []models.JobLog{}})
		return
	}
	logs, err := s.events.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
