package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_jobs_enqueued_total", Help: "Total enqueued jobs"})
	DuplicateEnqueues = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_jobs_duplicate_enqueues_total", Help: "Enqueue calls that matched an existing live job"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "review_queue_depth", Help: "Waiting jobs"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "review_jobs_inflight", Help: "Jobs currently being processed"})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_job_duration_seconds",
		Help:    "Wall time per job attempt",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind", "outcome"})

	AIAttempts         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "review_ai_attempts_total", Help: "Model calls by outcome"}, []string{"provider", "model", "outcome"})
	AITokens           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "review_ai_tokens_total", Help: "Tokens consumed"}, []string{"model", "direction"})
	CommentsDropped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "review_comments_dropped_total", Help: "Comments not published"}, []string{"reason"})
	BestEffortDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "review_best_effort_degraded_total", Help: "Best-effort side steps that degraded"}, []string{"operation"})

	LockContention    = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_repo_lock_contention_total", Help: "Cache slot lock acquisitions refused"})
	StaleLocksReaped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_repo_stale_locks_reaped_total", Help: "Stale lock files removed"})
	WorkTreesRemoved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_repo_worktrees_removed_total", Help: "Orphaned work trees deleted"})
	CleanupBytesFreed = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_repo_cleanup_bytes_freed_total", Help: "Bytes reclaimed by cleanup"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateEnqueues,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
			AIAttempts,
			AITokens,
			CommentsDropped,
			BestEffortDegraded,
			LockContention,
			StaleLocksReaped,
			WorkTreesRemoved,
			CleanupBytesFreed,
		)
	})
	return promhttp.Handler()
}
