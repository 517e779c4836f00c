package execution

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"review-worker/internal/ai"
)

func TestCollectorRecordsAgentsAndOperations(t *testing.T) {
	c := NewCollector("job-1", nil)

	var wg sync.WaitGroup
	for _, name := range []string{"security", "performance"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.StartAgent(name)
			c.RecordAgentAttempts(name, []ai.Attempt{{Model: "gpt-4.1", StartedAt: time.Now(), Usage: ai.Usage{InputTokens: 100, OutputTokens: 10}}})
			c.CompleteAgent(name)
		}(name)
	}
	wg.Wait()

	c.StartAgent("conventions")
	c.FailAgent("conventions", errors.New("all models failed"))
	c.StartOperation("summary")
	c.RecordOperationAttempts("summary", []ai.Attempt{{Model: "gpt-4.1", Usage: ai.Usage{InputTokens: 5, OutputTokens: 5}}})
	c.CompleteOperation("summary", "")
	c.SkipOperation("verification", "disabled")
	c.SetRawComments(12)
	c.SetMergedComments(5)
	c.SetPostedComments(4)

	rec := c.Finalize()
	if len(rec.Agents) != 3 || len(rec.Operations) != 2 {
		t.Fatalf("unexpected executions %+v", rec)
	}
	if rec.Usage.InputTokens != 205 || rec.Usage.OutputTokens != 25 {
		t.Fatalf("unexpected usage %+v", rec.Usage)
	}
	if rec.Comments != (CommentCounts{Raw: 12, Merged: 5, Posted: 4}) {
		t.Fatalf("unexpected counts %+v", rec.Comments)
	}
	if len(rec.Defects) != 0 {
		t.Fatalf("expected no defects, got %v", rec.Defects)
	}
	for _, a := range rec.Agents {
		if a.Name == "conventions" && (a.Status != StatusFailed || a.Error == "") {
			t.Fatalf("expected failed agent with error, got %+v", a)
		}
	}
}

func TestCollectorClampsNegativeUsage(t *testing.T) {
	c := NewCollector("job-1", nil)
	c.AddUsage(ai.Usage{InputTokens: 10, OutputTokens: 10})
	c.AddUsage(ai.Usage{InputTokens: -50, OutputTokens: 3})
	if u := c.Usage(); u.InputTokens != 10 || u.OutputTokens != 13 {
		t.Fatalf("expected clamped usage, got %+v", u)
	}
}

func TestFinalizeFlagsNonTerminal(t *testing.T) {
	c := NewCollector("job-1", nil)
	c.StartAgent("security")
	c.StartOperation("description")

	rec := c.Finalize()
	if len(rec.Defects) != 2 {
		t.Fatalf("expected two defects, got %v", rec.Defects)
	}
	if !strings.Contains(rec.Defects[0], "running") {
		t.Fatalf("defect should name the status: %v", rec.Defects)
	}
	if len(rec.Agents) != 1 || rec.Agents[0].Status != StatusRunning {
		t.Fatalf("non-terminal execution must still be reported: %+v", rec.Agents)
	}

	again := c.Finalize()
	if again.Defects[len(again.Defects)-1] != "collector finalized more than once" {
		t.Fatalf("expected double finalize flagged, got %v", again.Defects)
	}
}
