package review

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"review-worker/internal/ai"
	"review-worker/internal/anchor"
	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/telemetry"
)

// OpVerification is the execution record name of the verifier.
const OpVerification = "verification"

const verifierInstruction = `You double-check a single code review comment against the diff hunk it refers to.
Reject the comment if it is factually wrong about the code, refers to code not in the hunk, or is not actionable.
Respond with ONLY JSON: {"verdict": "approve" | "reject", "reason": "short explanation"}`

type verification struct {
	Verdict string `json:"verdict" validate:"required,oneof=approve reject"`
	Reason  string `json:"reason"`
}

// Rejection is a comment the verifier dropped, kept for audit.
type Rejection struct {
	Comment models.ReviewComment `json:"comment"`
	Reason  string               `json:"reason"`
}

// verify asks for a verdict on each comment. A failed verification call
// approves the comment and is counted as degraded.
func (o *Orchestrator) verify(ctx context.Context, comments []models.ReviewComment, diffs []models.FileDiff, preferred string, col *execution.Collector) ([]models.ReviewComment, []Rejection) {
	col.StartOperation(OpVerification)
	patches := make(map[string]string, len(diffs))
	for _, d := range diffs {
		patches[d.Filename] = d.Patch
	}

	kept := make([]models.ReviewComment, 0, len(comments))
	var rejected []Rejection
	degraded := 0
	for _, c := range comments {
		hunk, ok := anchor.HunkFor(patches[c.Filename], c.Snippet)
		if !ok {
			hunk = patches[c.Filename]
		}
		content := fmt.Sprintf("File: %s\nSeverity: %s\n\nComment:\n%s\n\nSnippet:\n%s\n\nDiff hunk:\n```diff\n%s\n```\n",
			c.Filename, c.Severity, c.Body, c.Snippet, hunk)

		var v verification
		res, err := o.ai.Ask(ctx, content, &v, ai.Options{SystemInstruction: verifierInstruction, Temperature: 0, PreferredModel: preferred})
		col.RecordOperationAttempts(OpVerification, res.Attempts)
		if err != nil {
			degraded++
			telemetry.BestEffortDegraded.WithLabelValues(OpVerification).Inc()
			o.log.Warn("comment verification failed; approving by default",
				zap.String("filename", c.Filename), zap.Error(err))
			kept = append(kept, c)
			continue
		}
		if v.Verdict == "reject" {
			telemetry.CommentsDropped.WithLabelValues("verifier_rejected").Inc()
			rejected = append(rejected, Rejection{Comment: c, Reason: v.Reason})
			continue
		}
		kept = append(kept, c)
	}
	col.CompleteOperation(OpVerification, fmt.Sprintf("%d rejected, %d degraded", len(rejected), degraded))
	return kept, rejected
}
