package review

import "fmt"

// Agent is a reviewer restricted to one issue domain.
type Agent struct {
	Name  string
	Focus string
}

// DefaultAgents is the fixed reviewer panel.
func DefaultAgents() []Agent {
	return []Agent{
		{Name: "security", Focus: "security vulnerabilities: injection, authentication and authorization flaws, secrets in code, unsafe deserialization, path traversal, missing input validation"},
		{Name: "performance", Focus: "performance problems: needless allocations, N+1 queries, unbounded growth, blocking calls on hot paths, inefficient algorithms"},
		{Name: "correctness", Focus: "correctness bugs: logic errors, off-by-one mistakes, nil or null dereferences, race conditions, unhandled errors, broken edge cases"},
		{Name: "architecture", Focus: "design problems: leaky abstractions, tight coupling, misplaced responsibilities, API contracts that will be hard to evolve"},
		{Name: "conventions", Focus: "readability and project conventions: misleading names, dead code, inconsistent error handling, missing tests for new behavior"},
	}
}

const verdictContract = `Respond with ONLY a JSON object of this exact shape, no prose:
{"comments": [{"filename": "path/in/diff", "snippet": "exact code copied from an added or removed line", "body": "what is wrong and why it matters", "suggestion": "replacement code, optional", "severity": "CRITICAL|HIGH|MEDIUM|LOW", "confidence": 0.0}]}
Rules:
- Comment only on files under FILES TO REVIEW; reference files are context only.
- "snippet" must be copied verbatim from the diff so it can be located; one to three lines.
- "confidence" is between 0 and 1.
- If you find nothing in your domain, respond with {"comments": []}.`

func (a Agent) systemInstruction() string {
	return fmt.Sprintf("You are an expert code reviewer focused exclusively on %s. Ignore issues outside this domain; other reviewers cover them.\n\n%s", a.Focus, verdictContract)
}

type verdictComment struct {
	Filename   string  `json:"filename" validate:"required"`
	Snippet    string  `json:"snippet" validate:"required"`
	Body       string  `json:"body" validate:"required"`
	Suggestion string  `json:"suggestion"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

type verdict struct {
	Comments []verdictComment `json:"comments" validate:"required,dive"`
}
