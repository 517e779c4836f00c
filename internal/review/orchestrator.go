// Package review runs the reviewer agent panel over a change and turns
// their verdicts into one ranked, deduplicated comment list.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/ai"
	"review-worker/internal/diffctx"
	"review-worker/internal/execution"
	"review-worker/internal/models"
	"review-worker/internal/settings"
	"review-worker/internal/telemetry"
)

// ErrAllAgentsFailed is returned when no agent produced a verdict.
var ErrAllAgentsFailed = errors.New("every review agent failed")

// Asker is the AI gateway surface the orchestrator needs.
type Asker interface {
	Ask(ctx context.Context, content string, out any, opts ai.Options) (ai.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	Agents        []Agent
	MaxAttempts   int
	Backoff       time.Duration
	ContextBudget int
}

// Request is one review of one change.
type Request struct {
	Diffs      []models.FileDiff
	References map[string]string
	Settings   settings.Resolved
}

// Outcome is the orchestrator's result.
type Outcome struct {
	Comments     []models.ReviewComment
	Rejected     []Rejection
	Summary      string
	AgentsFailed int
}

// Orchestrator dispatches the agent panel and merges its output.
type Orchestrator struct {
	cfg   Config
	ai    Asker
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator.
func New(cfg Config, asker Asker, log *zap.Logger) *Orchestrator {
	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, ai: asker, log: log, sleep: sleepCtx}
}

type agentResult struct {
	comments []models.ReviewComment
	err      error
}

// Review runs every agent, merges and ranks their comments, optionally
// verifies them, and generates a summary. A single agent's failure only
// removes its contribution.
func (o *Orchestrator) Review(ctx context.Context, req Request, col *execution.Collector) (Outcome, error) {
	prompt := diffctx.Format(req.Diffs, req.References, o.cfg.ContextBudget)
	inDiff := make(map[string]bool, len(req.Diffs))
	for _, d := range req.Diffs {
		inDiff[d.Filename] = true
	}

	results := make([]agentResult, len(o.cfg.Agents))
	run := func(i int) {
		name := o.cfg.Agents[i].Name
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("agent %s panicked: %v", name, r)
				col.FailAgent(name, err)
				results[i] = agentResult{err: err}
			}
		}()
		results[i] = o.runAgent(ctx, o.cfg.Agents[i], prompt, req.Settings.PreferredModel, inDiff, col)
	}
	if req.Settings.Mode == settings.ModeSequential {
		for i := range o.cfg.Agents {
			if ctx.Err() != nil {
				col.SkipAgent(o.cfg.Agents[i].Name, "cancelled")
				results[i] = agentResult{err: ctx.Err()}
				continue
			}
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range o.cfg.Agents {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	}

	var out Outcome
	var raw []models.ReviewComment
	for i, r := range results {
		if r.err != nil {
			out.AgentsFailed++
			o.log.Warn("review agent contributed no comments",
				zap.String("agent", o.cfg.Agents[i].Name), zap.Error(r.err))
			continue
		}
		raw = append(raw, r.comments...)
	}
	if out.AgentsFailed == len(o.cfg.Agents) {
		return out, fmt.Errorf("%w: %v", ErrAllAgentsFailed, results[len(results)-1].err)
	}
	col.SetRawComments(len(raw))

	merged := Merge(req.Settings.FilterComments(raw), req.Settings.MaxComments)
	col.SetMergedComments(len(merged))

	if req.Settings.VerifyComments {
		merged, out.Rejected = o.verify(ctx, merged, req.Diffs, req.Settings.PreferredModel, col)
	} else {
		col.SkipOperation(OpVerification, "disabled")
	}
	out.Comments = merged
	out.Summary = o.summarize(ctx, req.Diffs, req.Settings.PreferredModel, col)
	return out, nil
}

func (o *Orchestrator) runAgent(ctx context.Context, agent Agent, prompt, preferred string, inDiff map[string]bool, col *execution.Collector) agentResult {
	col.StartAgent(agent.Name)
	opts := ai.Options{SystemInstruction: agent.systemInstruction(), Temperature: 0.2, PreferredModel: preferred}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		var v verdict
		res, err := o.ai.Ask(ctx, prompt, &v, opts)
		col.RecordAgentAttempts(agent.Name, res.Attempts)
		if err == nil {
			col.CompleteAgent(agent.Name)
			return agentResult{comments: toComments(agent.Name, v, inDiff)}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < o.cfg.MaxAttempts {
			delay := o.cfg.Backoff * time.Duration(1<<(attempt-1))
			if err := o.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}
	col.FailAgent(agent.Name, lastErr)
	return agentResult{err: lastErr}
}

func toComments(agent string, v verdict, inDiff map[string]bool) []models.ReviewComment {
	out := make([]models.ReviewComment, 0, len(v.Comments))
	for _, c := range v.Comments {
		if !inDiff[c.Filename] {
			telemetry.CommentsDropped.WithLabelValues("not_in_diff").Inc()
			continue
		}
		out = append(out, models.ReviewComment{
			Filename:   c.Filename,
			Snippet:    c.Snippet,
			Body:       c.Body,
			Suggestion: c.Suggestion,
			Severity:   models.ParseSeverity(c.Severity),
			Confidence: c.Confidence,
			Agent:      agent,
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
