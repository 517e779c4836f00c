package execution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/ai"
)

// Status is the lifecycle state of one agent or operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Execution is the audit trail of one reviewer agent or auxiliary operation.
type Execution struct {
	Name       string       `json:"name"`
	Status     Status       `json:"status"`
	Attempts   []ai.Attempt `json:"attempts"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	Note       string       `json:"note,omitempty"`
}

// CommentCounts tracks comments through the pipeline.
type CommentCounts struct {
	Raw    int `json:"raw"`
	Merged int `json:"merged"`
	Posted int `json:"posted"`
}

// Record is the immutable output of Finalize.
type Record struct {
	JobID       string        `json:"job_id"`
	Agents      []Execution   `json:"agents"`
	Operations  []Execution   `json:"operations"`
	Comments    CommentCounts `json:"comments"`
	Usage       ai.Usage      `json:"usage"`
	Defects     []string      `json:"defects,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinalizedAt time.Time     `json:"finalized_at"`
}

type table struct {
	order []string
	byKey map[string]*Execution
}

func newTable() table {
	return table{byKey: make(map[string]*Execution)}
}

func (t *table) get(name string) *Execution {
	if e, ok := t.byKey[name]; ok {
		return e
	}
	e := &Execution{Name: name, Status: StatusPending}
	t.byKey[name] = e
	t.order = append(t.order, name)
	return e
}

func (t *table) snapshot() []Execution {
	out := make([]Execution, 0, len(t.order))
	for _, name := range t.order {
		e := *t.byKey[name]
		e.Attempts = append([]ai.Attempt(nil), e.Attempts...)
		out = append(out, e)
	}
	return out
}

// Collector accumulates the execution record of one job. It is safe for
// concurrent use by parallel agents.
type Collector struct {
	mu         sync.Mutex
	jobID      string
	agents     table
	operations table
	comments   CommentCounts
	usage      ai.Usage
	started    time.Time
	finalized  bool
	log        *zap.Logger
	now        func() time.Time
}

// NewCollector starts an empty record for jobID.
func NewCollector(jobID string, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		jobID:      jobID,
		agents:     newTable(),
		operations: newTable(),
		started:    time.Now(),
		log:        log,
		now:        time.Now,
	}
}

func (c *Collector) start(t *table, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := t.get(name)
	now := c.now()
	e.Status = StatusRunning
	e.StartedAt = &now
}

func (c *Collector) record(t *table, name string, attempts []ai.Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := t.get(name)
	e.Attempts = append(e.Attempts, attempts...)
	for _, a := range attempts {
		c.addUsageLocked(a.Usage)
	}
}

func (c *Collector) finish(t *table, name string, status Status, errMsg, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := t.get(name)
	now := c.now()
	e.Status = status
	e.FinishedAt = &now
	e.Error = errMsg
	e.Note = note
}

func (c *Collector) StartAgent(name string) { c.start(&c.agents, name) }
func (c *Collector) RecordAgentAttempts(name string, a []ai.Attempt) { c.record(&c.agents, name, a) }
func (c *Collector) CompleteAgent(name string) { c.finish(&c.agents, name, StatusCompleted, "", "") }
func (c *Collector) FailAgent(name string, err error) { c.finish(&c.agents, name, StatusFailed, errText(err), "") }
func (c *Collector) SkipAgent(name, reason string) { c.finish(&c.agents, name, StatusSkipped, "", reason) }

func (c *Collector) StartOperation(name string) { c.start(&c.operations, name) }
func (c *Collector) RecordOperationAttempts(name string, a []ai.Attempt) {
	c.record(&c.operations, name, a)
}
func (c *Collector) CompleteOperation(name, note string) {
	c.finish(&c.operations, name, StatusCompleted, "", note)
}
func (c *Collector) FailOperation(name string, err error) {
	c.finish(&c.operations, name, StatusFailed, errText(err), "")
}
func (c *Collector) SkipOperation(name, reason string) {
	c.finish(&c.operations, name, StatusSkipped, "", reason)
}

// SetRawComments records how many comments agents produced before merging.
func (c *Collector) SetRawComments(n int) { c.setCount(func(cc *CommentCounts) { cc.Raw = n }) }

// SetMergedComments records the count after merge and cap.
func (c *Collector) SetMergedComments(n int) { c.setCount(func(cc *CommentCounts) { cc.Merged = n }) }

// SetPostedComments records how many comments were published.
func (c *Collector) SetPostedComments(n int) { c.setCount(func(cc *CommentCounts) { cc.Posted = n }) }

func (c *Collector) setCount(fn func(*CommentCounts)) {
	c.mu.Lock()
	fn(&c.comments)
	c.mu.Unlock()
}

// AddUsage adds token usage outside of recorded attempts.
func (c *Collector) AddUsage(u ai.Usage) {
	c.mu.Lock()
	c.addUsageLocked(u)
	c.mu.Unlock()
}

// addUsageLocked never lets totals go negative.
func (c *Collector) addUsageLocked(u ai.Usage) {
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		c.log.Warn("negative token usage reported; clamping",
			zap.String("job_id", c.jobID),
			zap.Int("input_tokens", u.InputTokens),
			zap.Int("output_tokens", u.OutputTokens))
		u.InputTokens = max(u.InputTokens, 0)
		u.OutputTokens = max(u.OutputTokens, 0)
	}
	c.usage = c.usage.Add(u)
}

// Usage returns the running token total.
func (c *Collector) Usage() ai.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Finalize returns the audit record. Executions still pending or running
// are reported as defects and logged; Finalize never fails.
func (c *Collector) Finalize() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := Record{
		JobID:       c.jobID,
		Agents:      c.agents.snapshot(),
		Operations:  c.operations.snapshot(),
		Comments:    c.comments,
		Usage:       c.usage,
		StartedAt:   c.started.UTC(),
		FinalizedAt: c.now().UTC(),
	}
	for _, group := range []struct {
		kind  string
		execs []Execution
	}{{"agent", rec.Agents}, {"operation", rec.Operations}} {
		for _, e := range group.execs {
			if !e.Status.terminal() {
				rec.Defects = append(rec.Defects, fmt.Sprintf("%s %s finalized while %s", group.kind, e.Name, e.Status))
			}
		}
	}
	sort.Strings(rec.Defects)
	if c.finalized {
		rec.Defects = append(rec.Defects, "collector finalized more than once")
	}
	c.finalized = true
	for _, d := range rec.Defects {
		c.log.Error("execution record defect", zap.String("job_id", c.jobID), zap.String("defect", d))
	}
	return rec
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
