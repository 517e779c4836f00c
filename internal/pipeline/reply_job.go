package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/review"
	"review-worker/internal/scm"
	"review-worker/internal/telemetry"
)

// maxThreadDepth bounds the in_reply_to walk.
const maxThreadDepth = 50

func (p *Pipeline) processReply(ctx context.Context, job models.Job, col *execution.Collector, log *zap.Logger) error {
	owner, name, _ := job.OwnerRepo()

	target, ok, err := p.deps.SCM.GetReviewComment(ctx, owner, name, job.CommentID)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("comment no longer exists, nothing to reply to", zap.Int64("comment_id", job.CommentID))
		return nil
	}
	if target.Author == p.cfg.BotLogin {
		return nil
	}

	root, ok, err := p.threadRoot(ctx, owner, name, target)
	if err != nil {
		return err
	}
	if !ok || root.Author != p.cfg.BotLogin {
		log.Info("thread not started by this system, ignoring", zap.Int64("comment_id", job.CommentID))
		return nil
	}

	if err := p.deps.SCM.React(ctx, owner, name, target.ID, "eyes"); err != nil {
		telemetry.BestEffortDegraded.WithLabelValues("reaction").Inc()
		log.Warn("add reaction failed", zap.Error(err))
	}

	thread := p.threadMessages(ctx, owner, name, job.ChangeNumber, root, target, log)
	resolved := p.loadSettings(ctx, owner, name, log)
	body, err := p.deps.Reviewer.Reply(ctx, root.Path, root.DiffHunk, thread, resolved.PreferredModel, col)
	if err != nil {
		return fmt.Errorf("draft reply: %w", err)
	}
	if err := p.deps.SCM.ReplyToComment(ctx, owner, name, job.ChangeNumber, root.ID, body); err != nil {
		return err
	}
	col.SetPostedComments(1)
	p.emit(ctx, job, "info", StageReply, fmt.Sprintf("replied in thread %d", root.ID))
	return nil
}

// threadRoot follows in_reply_to links up to the first comment. It reports
// false when a link points at a deleted comment.
func (p *Pipeline) threadRoot(ctx context.Context, owner, name string, c scm.ThreadComment) (scm.ThreadComment, bool, error) {
	for depth := 0; c.InReplyTo != 0; depth++ {
		if depth >= maxThreadDepth {
			return scm.ThreadComment{}, false, nil
		}
		parent, ok, err := p.deps.SCM.GetReviewComment(ctx, owner, name, c.InReplyTo)
		if err != nil || !ok {
			return scm.ThreadComment{}, false, err
		}
		c = parent
	}
	return c, true, nil
}

// threadMessages returns the thread from root through target, oldest first.
// If the listing fails only the two endpoints are used.
func (p *Pipeline) threadMessages(ctx context.Context, owner, name string, number int, root, target scm.ThreadComment, log *zap.Logger) []review.ThreadMessage {
	members := []scm.ThreadComment{root}
	all, err := p.deps.SCM.ListReviewComments(ctx, owner, name, number)
	if err != nil {
		log.Warn("list thread comments failed", zap.Error(err))
		if target.ID != root.ID {
			members = append(members, target)
		}
	} else {
		for _, c := range all {
			if c.InReplyTo == root.ID && c.ID <= target.ID {
				members = append(members, c)
			}
		}
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	out := make([]review.ThreadMessage, 0, len(members))
	for _, m := range members {
		out = append(out, review.ThreadMessage{Author: m.Author, Body: m.Body})
	}
	return out
}
