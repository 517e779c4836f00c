package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/config"
	"review-worker/internal/models"
	"review-worker/internal/pipeline"
	"review-worker/internal/queue"
	"review-worker/internal/ratelimit"
	"review-worker/internal/telemetry"
)

const startLimitKey = "worker-starts"

// Handler executes a job of one kind.
type Handler func(ctx context.Context, job models.Job) error

// StateStore mirrors queue state transitions into durable records.
type StateStore interface {
	UpdateJobState(ctx context.Context, id, state string, attempts int, lastError *string) error
}

// Processor drives a fixed pool of workers over the queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    StateStore
	limiter  *ratelimit.Limiter
	handlers map[models.JobKind]Handler
	log      *zap.Logger
	workerID string
}

// NewProcessor builds a processor. store and limiter may be nil.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st StateStore, limiter *ratelimit.Limiter, log *zap.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, limiter, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st StateStore, limiter *ratelimit.Limiter, log *zap.Logger, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		limiter:  limiter,
		handlers: make(map[models.JobKind]Handler),
		log:      log.With(zap.String("worker_id", workerID)),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the maintenance loop and the worker pool. When ctx is
// cancelled no new jobs are claimed; in-flight jobs get the shutdown grace
// period, after which they are cancelled and left to lease expiry.
func (p *Processor) Run(ctx context.Context) error {
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, jobsCtx, slot)
		}(i)
	}
	p.log.Info("worker pool started",
		zap.Int("concurrency", p.cfg.WorkerConcurrency),
		zap.Duration("visibility", p.cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", p.cfg.BackoffInitial))

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace elapsed, abandoning in-flight jobs to redelivery")
		cancelJobs()
		<-done
	}
	return ctx.Err()
}

// maintain promotes due retries and requeues expired leases.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			p.log.Warn("promote scheduled jobs", zap.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
			p.log.Warn("requeued jobs with expired leases", zap.Strings("job_ids", reclaimed))
			for _, id := range reclaimed {
				p.recordState(ctx, id, models.StateWaiting, -1, nil)
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) loop(ctx, jobsCtx context.Context, slot int) {
	for ctx.Err() == nil {
		if !p.admit(ctx) {
			continue
		}
		job, ok, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("claim failed", zap.Int("slot", slot), zap.Error(err))
			}
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.handle(jobsCtx, job)
	}
}

// admit waits until there is ready work and the start limiter has room.
func (p *Processor) admit(ctx context.Context) bool {
	depth, err := p.queue.ReadyDepth(ctx)
	if err == nil && depth == 0 {
		p.sleep(ctx, p.cfg.WorkerPollInterval)
		return false
	}
	if p.limiter == nil || p.cfg.WorkerStartsPerWindow <= 0 {
		return true
	}
	res := p.limiter.Check(ctx, startLimitKey, ratelimit.Options{
		MaxRequests: p.cfg.WorkerStartsPerWindow,
		Window:      p.cfg.WorkerStartWindow,
		KeyPrefix:   "worker:ratelimit",
	})
	if res.Err != nil {
		p.log.Warn("start limiter unavailable, admitting", zap.Error(res.Err))
	}
	if res.Allowed {
		return true
	}
	wait := time.Until(res.ResetAt)
	if wait <= 0 || wait > p.cfg.WorkerPollInterval*5 {
		wait = p.cfg.WorkerPollInterval
	}
	p.sleep(ctx, wait)
	return false
}

func (p *Processor) handle(ctx context.Context, job models.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
	attempt := job.AttemptsMade + 1
	p.recordState(ctx, job.ID, models.StateActive, job.AttemptsMade, nil)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopLease := p.keepLease(ctx, job.ID, log)
	start := time.Now()
	err := p.runJob(ctx, job)
	stopLease()

	outcome := "completed"
	defer func() {
		telemetry.JobDuration.WithLabelValues(string(job.Kind), outcome).Observe(time.Since(start).Seconds())
	}()

	// Shutdown cancelled the job; the lease will expire and redeliver it.
	if err != nil && ctx.Err() != nil {
		outcome = "abandoned"
		log.Warn("job abandoned at shutdown", zap.Error(err))
		return
	}

	if err == nil {
		if qerr := p.queue.Complete(ctx, job.ID); qerr != nil {
			log.Error("complete job", zap.Error(qerr))
		}
		p.recordState(ctx, job.ID, models.StateCompleted, attempt, nil)
		telemetry.WorkerSuccess.Inc()
		log.Info("job completed", zap.Int("attempt", attempt))
		return
	}

	msg := err.Error()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if pipeline.IsPermanent(err) || attempt >= maxAttempts {
		outcome = "failed"
		if qerr := p.queue.Fail(ctx, job.ID, err); qerr != nil {
			log.Error("fail job", zap.Error(qerr))
		}
		p.recordState(ctx, job.ID, models.StateFailed, attempt, &msg)
		telemetry.WorkerDeadLetter.Inc()
		log.Error("job failed", zap.Int("attempt", attempt), zap.Bool("permanent", pipeline.IsPermanent(err)), zap.Error(err))
		return
	}

	outcome = "retried"
	backoff := backoffWithJitter(p.initialBackoff(job), p.cfg.BackoffMax, attempt)
	nextRun := time.Now().Add(backoff)
	if qerr := p.queue.Retry(ctx, job.ID, err, nextRun); qerr != nil {
		log.Error("schedule retry", zap.Error(qerr))
	}
	p.recordState(ctx, job.ID, models.StateDelayed, attempt, &msg)
	telemetry.WorkerFailures.Inc()
	log.Warn("job attempt failed, retry scheduled",
		zap.Int("attempt", attempt), zap.Time("next_run", nextRun.UTC()), zap.Error(err))
}

// runJob executes the job with the handler registered for its kind.
func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return pipeline.Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// keepLease extends the job's visibility deadline at half the timeout
// until the returned stop function is called.
func (p *Processor) keepLease(ctx context.Context, jobID string, log *zap.Logger) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(leaseCtx, jobID, p.cfg.VisibilityTimeout); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("extend lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) initialBackoff(job models.Job) time.Duration {
	if job.Backoff.Delay > 0 {
		return job.Backoff.Delay
	}
	if p.cfg.BackoffInitial > 0 {
		return p.cfg.BackoffInitial
	}
	return models.DefaultBackoff.Delay
}

// recordState is best effort; a negative attempts value leaves the count unchanged.
func (p *Processor) recordState(ctx context.Context, id, state string, attempts int, lastErr *string) {
	if p.store == nil {
		return
	}
	if attempts < 0 {
		if job, err := p.queue.Get(ctx, id); err == nil {
			attempts = job.AttemptsMade
		} else {
			attempts = 0
		}
	}
	if err := p.store.UpdateJobState(ctx, id, state, attempts, lastErr); err != nil {
		telemetry.BestEffortDegraded.WithLabelValues("job_state").Inc()
		p.log.Warn("record job state", zap.String("job_id", id), zap.String("state", state), zap.Error(err))
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
