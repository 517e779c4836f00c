package review

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"review-worker/internal/ai"
	"review-worker/internal/diffctx"
	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/telemetry"
)

// Operation names recorded in the execution record.
const (
	OpSummary     = "summary"
	OpDescription = "description"
	OpReply       = "reply"
)

// FallbackSummary is used whenever summary generation fails.
const FallbackSummary = "This change was reviewed automatically; see the inline comments for details."

const summaryInstruction = `Describe the overall intent of this change in one or two plain sentences, based only on the diff.
Respond with ONLY JSON: {"summary": "..."}`

const descriptionInstruction = `Write a concise pull request description for this diff: a one-line overview followed by a short bullet list of the notable changes.
Respond with ONLY JSON: {"description": "markdown text"}`

const replyInstruction = `You are the code review bot that wrote the first comment of this thread. Answer the latest message briefly and helpfully, staying on the topic of the original comment and the code shown.
Respond with ONLY JSON: {"reply": "markdown text"}`

type summaryVerdict struct {
	Summary string `json:"summary" validate:"required"`
}

type descriptionVerdict struct {
	Description string `json:"description" validate:"required"`
}

type replyVerdict struct {
	Reply string `json:"reply" validate:"required"`
}

// summarize never fails: errors yield FallbackSummary.
func (o *Orchestrator) summarize(ctx context.Context, diffs []models.FileDiff, preferred string, col *execution.Collector) string {
	col.StartOperation(OpSummary)
	var v summaryVerdict
	res, err := o.ai.Ask(ctx, diffctx.Format(diffs, nil, o.cfg.ContextBudget), &v,
		ai.Options{SystemInstruction: summaryInstruction, Temperature: 0.3, PreferredModel: preferred})
	col.RecordOperationAttempts(OpSummary, res.Attempts)
	if err != nil {
		telemetry.BestEffortDegraded.WithLabelValues(OpSummary).Inc()
		o.log.Warn("summary generation failed; using fallback", zap.Error(err))
		col.FailOperation(OpSummary, err)
		return FallbackSummary
	}
	col.CompleteOperation(OpSummary, "")
	return strings.TrimSpace(v.Summary)
}

// Describe drafts a change description from the diffs.
func (o *Orchestrator) Describe(ctx context.Context, diffs []models.FileDiff, preferred string, col *execution.Collector) (string, error) {
	col.StartOperation(OpDescription)
	var v descriptionVerdict
	res, err := o.ai.Ask(ctx, diffctx.Format(diffs, nil, o.cfg.ContextBudget), &v,
		ai.Options{SystemInstruction: descriptionInstruction, Temperature: 0.3, PreferredModel: preferred})
	col.RecordOperationAttempts(OpDescription, res.Attempts)
	if err != nil {
		col.FailOperation(OpDescription, err)
		return "", fmt.Errorf("generate description: %w", err)
	}
	col.CompleteOperation(OpDescription, "")
	return strings.TrimSpace(v.Description), nil
}

// ThreadMessage is one comment of a review thread, oldest first.
type ThreadMessage struct {
	Author string
	Body   string
}

// Reply drafts an answer to the latest message of a thread rooted at one
// of this system's review comments.
func (o *Orchestrator) Reply(ctx context.Context, path, hunk string, thread []ThreadMessage, preferred string, col *execution.Collector) (string, error) {
	col.StartOperation(OpReply)
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\nCode:\n```diff\n%s\n```\n\nThread:\n", path, hunk)
	for _, m := range thread {
		fmt.Fprintf(&b, "@%s: %s\n\n", m.Author, strings.TrimSpace(m.Body))
	}
	var v replyVerdict
	res, err := o.ai.Ask(ctx, b.String(), &v,
		ai.Options{SystemInstruction: replyInstruction, Temperature: 0.4, PreferredModel: preferred})
	col.RecordOperationAttempts(OpReply, res.Attempts)
	if err != nil {
		col.FailOperation(OpReply, err)
		return "", fmt.Errorf("generate reply: %w", err)
	}
	col.CompleteOperation(OpReply, "")
	return strings.TrimSpace(v.Reply), nil
}
