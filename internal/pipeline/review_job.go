package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/anchor"
	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/repo"
	"review-worker/internal/review"
	"review-worker/internal/scm"
	"review-worker/internal/settings"
	"review-worker/internal/telemetry"
)

const (
	opDedup       = "dedup"
	signaturePart = 120
)

func (p *Pipeline) processReview(ctx context.Context, job models.Job, col *execution.Collector, log *zap.Logger) (err error) {
	owner, name, _ := job.OwnerRepo()

	checkID, err := p.deps.SCM.CreateCheckRun(ctx, owner, name, p.cfg.CheckRunName, job.HeadRevision)
	if err != nil {
		return err
	}
	p.emit(ctx, job, "info", StageCheckCreated, fmt.Sprintf("check run %d", checkID))

	// Every exit after this point, including a panic, leaves the check run
	// in a terminal state.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("review panicked: %v", r)
			log.Error("review panicked", zap.Any("panic", r))
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			p.interruptCheck(owner, name, checkID, log)
			return
		}
		p.failCheck(job, owner, name, checkID, log)
	}()

	change, err := p.deps.SCM.GetChange(ctx, owner, name, job.ChangeNumber)
	if err != nil {
		return fmt.Errorf("get change: %w", err)
	}
	diffs, err := p.deps.SCM.ListFiles(ctx, owner, name, job.ChangeNumber)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	p.emit(ctx, job, "info", StageDiffsFetched, fmt.Sprintf("%d files with patches", len(diffs)))
	if len(diffs) == 0 {
		return p.completeCheck(ctx, owner, name, checkID, scm.ConclusionSkipped,
			"No reviewable changes", "The change contains no file patches to review.")
	}

	resolved := p.loadSettings(ctx, owner, name, log)
	if !resolved.Enabled {
		return p.completeCheck(ctx, owner, name, checkID, scm.ConclusionSkipped,
			"Review disabled", "Automated review is disabled in "+settings.FileName+".")
	}
	diffs = resolved.FilterDiffs(diffs)
	if len(diffs) == 0 {
		return p.completeCheck(ctx, owner, name, checkID, scm.ConclusionSkipped,
			"No reviewable changes", "Every changed file matches an exclude pattern.")
	}

	if strings.TrimSpace(change.Body) == "" && resolved.GenerateDescription {
		p.describe(ctx, job, owner, name, diffs, resolved, col, log)
	}

	refs := p.gatherContext(ctx, job, change, diffs, resolved, log)

	outcome, err := p.deps.Reviewer.Review(ctx, review.Request{Diffs: diffs, References: refs, Settings: resolved}, col)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	p.emit(ctx, job, "info", StageReviewed, fmt.Sprintf("%d comments after merge, %d rejected", len(outcome.Comments), len(outcome.Rejected)))

	anchored := anchorComments(outcome.Comments, diffs, log)
	p.emit(ctx, job, "info", StageAnchored, fmt.Sprintf("%d of %d comments anchored", len(anchored), len(outcome.Comments)))

	fresh := p.dropPreviouslyPosted(ctx, owner, name, job.ChangeNumber, anchored, col, log)
	if err := p.deps.SCM.CreateReview(ctx, owner, name, job.ChangeNumber, job.HeadRevision, reviewBody(outcome.Summary, fresh), fresh); err != nil {
		return err
	}
	col.SetPostedComments(len(fresh))
	p.emit(ctx, job, "info", StagePublished, fmt.Sprintf("published %d comments", len(fresh)))

	conclusion := ConclusionFor(anchored)
	if err := p.completeCheck(ctx, owner, name, checkID, conclusion, checkTitle(len(fresh)), outcome.Summary); err != nil {
		return err
	}
	p.emit(ctx, job, "info", StageFinalized, conclusion)
	return nil
}

func (p *Pipeline) completeCheck(ctx context.Context, owner, name string, id int64, conclusion, title, summary string) error {
	return p.deps.SCM.CompleteCheckRun(ctx, owner, name, p.cfg.CheckRunName, id, conclusion, title, summary)
}

// failCheck runs after the job context may already be cancelled.
func (p *Pipeline) failCheck(job models.Job, owner, name string, checkID int64, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.completeCheck(ctx, owner, name, checkID, scm.ConclusionFailure,
		"Review failed", "The automated review hit an internal error and will be retried if attempts remain."); err != nil {
		log.Error("finalize failed check run", zap.Error(err))
	}
	if !job.IsFinalAttempt() {
		return
	}
	if err := p.deps.SCM.PostIssueComment(ctx, owner, name, job.ChangeNumber, FallbackComment); err != nil {
		log.Error("post fallback comment", zap.Error(err))
	}
}

// interruptCheck closes the check run of a job cancelled by shutdown. The
// job is redelivered after its lease expires, so no fallback is posted.
func (p *Pipeline) interruptCheck(owner, name string, checkID int64, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.completeCheck(ctx, owner, name, checkID, scm.ConclusionCancelled,
		"Review interrupted", "The worker shut down during the review; it will be retried."); err != nil {
		log.Error("finalize interrupted check run", zap.Error(err))
	}
}

func (p *Pipeline) describe(ctx context.Context, job models.Job, owner, name string, diffs []models.FileDiff, resolved settings.Resolved, col *execution.Collector, log *zap.Logger) {
	desc, err := p.deps.Reviewer.Describe(ctx, diffs, resolved.PreferredModel, col)
	if err == nil && desc != "" {
		err = p.deps.SCM.UpdateDescription(ctx, owner, name, job.ChangeNumber, desc)
	}
	if err != nil {
		telemetry.BestEffortDegraded.WithLabelValues("description").Inc()
		log.Warn("description generation skipped", zap.Error(err))
		p.emit(ctx, job, "warn", StageDescription, "description not generated")
		return
	}
	p.emit(ctx, job, "info", StageDescription, "description attached")
}

// gatherContext provisions a work tree and selects reference files. Any
// failure degrades the review to diff-only context.
func (p *Pipeline) gatherContext(ctx context.Context, job models.Job, change scm.Change, diffs []models.FileDiff, resolved settings.Resolved, log *zap.Logger) map[string]string {
	if p.deps.Provisioner == nil {
		return nil
	}
	ws, err := p.deps.Provisioner.Provision(ctx, job.RepositoryFullName, p.cloneURL(job, change), job.HeadRevision, job.ID)
	if err != nil {
		telemetry.BestEffortDegraded.WithLabelValues("provision").Inc()
		log.Warn("provisioning failed, reviewing with diff-only context", zap.Error(err))
		p.emit(ctx, job, "warn", StageProvisioned, "diff-only context")
		return nil
	}
	defer ws.Close()

	refs := repo.ReferenceFiles(ws.Dir, ws.Index, diffs, p.cfg.MaxReferenceFiles, p.cfg.MaxFileBytes, resolved.Excluded)
	p.emit(ctx, job, "info", StageProvisioned, fmt.Sprintf("%d reference files", len(refs)))
	return refs
}

// anchorComments resolves every comment to a diff line and drops the ones
// that cannot be placed.
func anchorComments(comments []models.ReviewComment, diffs []models.FileDiff, log *zap.Logger) []models.ReviewComment {
	byName := make(map[string]models.FileDiff, len(diffs))
	for _, d := range diffs {
		byName[d.Filename] = d
	}
	out := make([]models.ReviewComment, 0, len(comments))
	for _, c := range comments {
		d, ok := byName[c.Filename]
		if !ok {
			telemetry.CommentsDropped.WithLabelValues("unknown_file").Inc()
			log.Warn("comment targets file outside the diff", zap.String("file", c.Filename))
			continue
		}
		m, ok := anchor.Find([]models.FileDiff{d}, c.Snippet)
		if !ok {
			telemetry.CommentsDropped.WithLabelValues("unanchored").Inc()
			log.Warn("comment snippet not found in diff", zap.String("file", c.Filename), zap.String("agent", c.Agent))
			continue
		}
		c.Line = m.Line
		c.StartLine = m.StartLine
		c.Side = m.Side
		out = append(out, c)
	}
	return out
}

// CommentSignature identifies a posted comment by location and body prefix.
func CommentSignature(path string, line int, body string) string {
	body = strings.TrimSpace(body)
	if r := []rune(body); len(r) > signaturePart {
		body = string(r[:signaturePart])
	}
	sum := sha1.Sum([]byte(body))
	return fmt.Sprintf("%s:%d:%s", path, line, hex.EncodeToString(sum[:]))
}

// dropPreviouslyPosted removes comments this system already posted on the
// change. A listing failure publishes everything.
func (p *Pipeline) dropPreviouslyPosted(ctx context.Context, owner, name string, number int, comments []models.ReviewComment, col *execution.Collector, log *zap.Logger) []models.ReviewComment {
	col.StartOperation(opDedup)
	existing, err := p.deps.SCM.ListReviewComments(ctx, owner, name, number)
	if err != nil {
		telemetry.BestEffortDegraded.WithLabelValues(opDedup).Inc()
		log.Warn("list existing comments failed, skipping dedup", zap.Error(err))
		col.FailOperation(opDedup, err)
		return comments
	}
	seen := make(map[string]bool)
	for _, e := range existing {
		if e.Author == p.cfg.BotLogin {
			seen[CommentSignature(e.Path, e.Line, e.Body)] = true
		}
	}
	out := make([]models.ReviewComment, 0, len(comments))
	for _, c := range comments {
		sig := CommentSignature(c.Filename, c.Line, scm.InlineBody(c))
		if seen[sig] {
			telemetry.CommentsDropped.WithLabelValues("duplicate").Inc()
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	col.CompleteOperation(opDedup, fmt.Sprintf("%d skipped", len(comments)-len(out)))
	return out
}

// ConclusionFor maps the highest severity found to a check conclusion.
func ConclusionFor(comments []models.ReviewComment) string {
	switch models.HighestSeverity(comments) {
	case models.SeverityCritical:
		return scm.ConclusionFailure
	case models.SeverityHigh:
		return scm.ConclusionNeutral
	default:
		return scm.ConclusionSuccess
	}
}

func checkTitle(n int) string {
	switch n {
	case 0:
		return "No new comments"
	case 1:
		return "1 comment"
	default:
		return fmt.Sprintf("%d comments", n)
	}
}

var severityOrder = []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}

// reviewBody renders the summary followed by a severity count table.
func reviewBody(summary string, comments []models.ReviewComment) string {
	counts := make(map[models.Severity]int)
	for _, c := range comments {
		counts[c.Severity]++
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(summary))
	b.WriteString("\n\n| Severity | Comments |\n|---|---|\n")
	for _, s := range severityOrder {
		fmt.Fprintf(&b, "| %s | %d |\n", s, counts[s])
	}
	return b.String()
}
