// Package pipeline runs one queued job through its state machine: review
// jobs end in a published review and a finalized check run, reply jobs in
// an answer posted to a thread this system started.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/events"
	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/repo"
	"review-worker/internal/review"
	"review-worker/internal/scm"
	"review-worker/internal/settings"
	"review-worker/internal/telemetry"
)

// Stages reported on the live log.
const (
	StageReceived     = "received"
	StageCheckCreated = "check_created"
	StageDiffsFetched = "diffs_fetched"
	StageDescription  = "description"
	StageProvisioned  = "context_provisioned"
	StageReviewed     = "reviewed"
	StageAnchored     = "comments_anchored"
	StagePublished    = "published"
	StageFinalized    = "check_finalized"
	StageReply        = "reply"
	StageFailed       = "failed"
)

// FallbackComment is posted on the last attempt of a crashed review.
const FallbackComment = "The automated review could not be completed for this change after several attempts. " +
	"No review comments were published. Pushing a new commit will trigger another review."

// SCM is the source-control surface the pipeline drives.
type SCM interface {
	GetChange(ctx context.Context, owner, repo string, number int) (scm.Change, error)
	ListFiles(ctx context.Context, owner, repo string, number int) ([]models.FileDiff, error)
	UpdateDescription(ctx context.Context, owner, repo string, number int, body string) error
	CreateCheckRun(ctx context.Context, owner, repo, name, headSHA string) (int64, error)
	CompleteCheckRun(ctx context.Context, owner, repo, name string, id int64, conclusion, title, summary string) error
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]scm.ThreadComment, error)
	GetReviewComment(ctx context.Context, owner, repo string, id int64) (scm.ThreadComment, bool, error)
	CreateReview(ctx context.Context, owner, repo string, number int, headSHA, body string, comments []models.ReviewComment) error
	ReplyToComment(ctx context.Context, owner, repo string, number int, commentID int64, body string) error
	React(ctx context.Context, owner, repo string, commentID int64, content string) error
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error
	FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, bool, error)
}

// Reviewer produces reviews, descriptions and thread replies.
type Reviewer interface {
	Review(ctx context.Context, req review.Request, col *execution.Collector) (review.Outcome, error)
	Describe(ctx context.Context, diffs []models.FileDiff, preferred string, col *execution.Collector) (string, error)
	Reply(ctx context.Context, path, hunk string, thread []review.ThreadMessage, preferred string, col *execution.Collector) (string, error)
}

// Provisioner prepares a local work tree for context selection.
type Provisioner interface {
	Provision(ctx context.Context, repoFullName, cloneURL, revision, jobID string) (*repo.Workspace, error)
}

// Recorder persists durable job logs and audit records.
type Recorder interface {
	AppendLog(ctx context.Context, entry models.JobLog) error
	SaveExecution(ctx context.Context, rec execution.Record, attempt int, archiveKey string) (string, error)
}

// Archiver uploads finalized execution records.
type Archiver interface {
	Put(ctx context.Context, rec execution.Record) (string, error)
}

// Notifier fans job log lines out to live subscribers.
type Notifier interface {
	Publish(ctx context.Context, jobID, level, stage, message string) events.Notify
}

// Config tunes the pipeline.
type Config struct {
	BotLogin          string
	CheckRunName      string
	CloneToken        string
	PreferredModel    string
	MaxComments       int
	MaxReferenceFiles int
	MaxFileBytes      int64
}

// Deps are the pipeline's collaborators. Provisioner, Recorder, Archiver
// and Notifier are optional.
type Deps struct {
	SCM         SCM
	Reviewer    Reviewer
	Provisioner Provisioner
	Recorder    Recorder
	Archiver    Archiver
	Notifier    Notifier
}

// Pipeline processes jobs.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

// New builds a pipeline.
func New(cfg Config, deps Deps, log *zap.Logger) *Pipeline {
	if cfg.CheckRunName == "" {
		cfg.CheckRunName = "AI Code Review"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// Process runs job to completion. A returned error asks the queue to retry
// unless it is permanent.
func (p *Pipeline) Process(ctx context.Context, job models.Job) error {
	if err := job.Validate(); err != nil {
		return Permanent(fmt.Errorf("invalid job %q: %w", job.ID, err))
	}
	log := p.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)),
		zap.String("repository", job.RepositoryFullName), zap.Int("change", job.ChangeNumber))
	col := execution.NewCollector(job.ID, log)
	defer p.finalize(job, col, log)

	p.emit(ctx, job, "info", StageReceived, fmt.Sprintf("attempt %d of %d", job.AttemptsMade+1, job.MaxAttempts))

	var err error
	switch job.Kind {
	case models.KindReview:
		err = p.processReview(ctx, job, col, log)
	case models.KindReply:
		err = p.processReply(ctx, job, col, log)
	}
	if err != nil {
		p.emit(ctx, job, "error", StageFailed, err.Error())
	}
	return err
}

// finalize stores the collector record. Both sinks are best effort.
func (p *Pipeline) finalize(job models.Job, col *execution.Collector, log *zap.Logger) {
	rec := col.Finalize()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var key string
	if p.deps.Archiver != nil {
		k, err := p.deps.Archiver.Put(ctx, rec)
		if err != nil {
			telemetry.BestEffortDegraded.WithLabelValues("audit_archive").Inc()
			log.Warn("archive execution record failed", zap.Error(err))
		} else {
			key = k
		}
	}
	if p.deps.Recorder != nil {
		if _, err := p.deps.Recorder.SaveExecution(ctx, rec, job.AttemptsMade+1, key); err != nil {
			telemetry.BestEffortDegraded.WithLabelValues("audit_record").Inc()
			log.Warn("save execution record failed", zap.Error(err))
		}
	}
	log.Info("job execution finalized",
		zap.Int("comments_posted", rec.Comments.Posted),
		zap.Int("input_tokens", rec.Usage.InputTokens),
		zap.Int("output_tokens", rec.Usage.OutputTokens),
		zap.Int("defects", len(rec.Defects)))
}

func (p *Pipeline) emit(ctx context.Context, job models.Job, level, stage, message string) {
	if p.deps.Notifier != nil {
		p.deps.Notifier.Publish(ctx, job.ID, level, stage, message)
	}
	if p.deps.Recorder != nil {
		err := p.deps.Recorder.AppendLog(ctx, models.JobLog{
			JobID: job.ID, Level: level, Stage: stage, Message: message, Recorded: p.now().UTC(),
		})
		if err != nil {
			telemetry.BestEffortDegraded.WithLabelValues("job_log").Inc()
			p.log.Warn("append job log failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// loadSettings reads the repository's settings file from the default
// branch. A missing or invalid file yields the defaults.
func (p *Pipeline) loadSettings(ctx context.Context, owner, name string, log *zap.Logger) settings.Resolved {
	defaults := settings.Defaults(p.cfg.PreferredModel, p.cfg.MaxComments)
	data, ok, err := p.deps.SCM.FileContent(ctx, owner, name, settings.FileName, "")
	if err != nil {
		log.Warn("read repository settings failed, using defaults", zap.Error(err))
		return defaults
	}
	if !ok {
		return defaults
	}
	parsed, err := settings.Parse(data)
	if err != nil {
		log.Warn("invalid repository settings, using defaults", zap.Error(err))
		return defaults
	}
	return settings.Resolve(defaults, parsed)
}

// cloneURL returns the URL to fetch from, carrying the token when one is
// configured.
func (p *Pipeline) cloneURL(job models.Job, change scm.Change) string {
	raw := job.CloneURL
	if raw == "" {
		raw = change.CloneURL
	}
	if raw == "" || p.cfg.CloneToken == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return raw
	}
	u.User = url.UserPassword("x-access-token", p.cfg.CloneToken)
	return u.String()
}
