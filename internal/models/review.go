package models

import "strings"

// FileStatus is the change kind reported for a file in a change request.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
)

// FileDiff is one file's unified-diff patch as reported by the source-control API.
type FileDiff struct {
	Filename string     `json:"filename"`
	Patch    string     `json:"patch"`
	Status   FileStatus `json:"status"`
}

// Severity ranks how urgent a review comment is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ParseSeverity normalizes AI-provided labels, folding WARNING into HIGH and
// INFO into MEDIUM. Unknown labels become LOW.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "WARNING":
		return SeverityHigh
	case "MEDIUM", "INFO":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank returns a numeric rank for sorting (higher = more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// Side selects which version of the file a diff line belongs to.
type Side string

const (
	SideLeft  Side = "LEFT"
	SideRight Side = "RIGHT"
)

// ReviewComment is a single finding. Line, StartLine and Side are filled in
// by anchoring; a comment with Line == 0 is not publishable.
type ReviewComment struct {
	Filename   string   `json:"filename"`
	Snippet    string   `json:"snippet"`
	Body       string   `json:"body"`
	Suggestion string   `json:"suggestion,omitempty"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Agent      string   `json:"agent,omitempty"`
	Line       int      `json:"line,omitempty"`
	StartLine  int      `json:"start_line,omitempty"`
	Side       Side     `json:"side,omitempty"`
}

// Anchored reports whether the comment has been resolved to a diff line.
func (c ReviewComment) Anchored() bool {
	return c.Line > 0
}

// HighestSeverity returns the most severe level among comments, or "" when empty.
func HighestSeverity(comments []ReviewComment) Severity {
	var top Severity
	for _, c := range comments {
		if c.Severity.Rank() > top.Rank() {
			top = c.Severity
		}
	}
	return top
}
