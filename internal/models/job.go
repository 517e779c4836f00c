package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobKind selects which pipeline handles a job.
type JobKind string

const (
	KindReview JobKind = "review"
	KindReply  JobKind = "reply"
)

// Job lifecycle states tracked in the queue's job hash.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Backoff describes how the queue spaces out retries of a failed job.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// DefaultBackoff is the fixed exponential policy applied when a job carries none.
var DefaultBackoff = Backoff{Type: "exponential", Delay: 30 * time.Second}

// Job is one unit of queued work: a review of a change request or a reply
// to a review thread.
type Job struct {
	ID                 string    `json:"id"`
	Kind               JobKind   `json:"kind"`
	RepositoryFullName string    `json:"repository_full_name"`
	InstallationID     int64     `json:"installation_id"`
	ChangeNumber       int       `json:"change_number"`
	HeadRevision       string    `json:"head_revision"`
	CloneURL           string    `json:"clone_url,omitempty"`
	Action             string    `json:"action"`
	CommentID          int64     `json:"comment_id,omitempty"`
	State              string    `json:"state"`
	AttemptsMade       int       `json:"attempts_made"`
	MaxAttempts        int       `json:"max_attempts"`
	Backoff            Backoff   `json:"backoff"`
	LastError          *string   `json:"last_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// JobID derives the deterministic identifier that makes re-delivery of the
// same event idempotent.
func JobID(kind JobKind, repoFullName string, number int, headRevision string, commentID int64) string {
	parts := []string{string(kind), strings.ToLower(repoFullName), strconv.Itoa(number), headRevision}
	if kind == KindReply {
		parts = append(parts, strconv.FormatInt(commentID, 10))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%s-%s", kind, hex.EncodeToString(sum[:10]))
}

// Validate reports missing fields that make a job impossible to process.
func (j Job) Validate() error {
	var errs []error
	if j.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if j.Kind != KindReview && j.Kind != KindReply {
		errs = append(errs, fmt.Errorf("unknown job kind %q", j.Kind))
	}
	if _, _, ok := j.OwnerRepo(); !ok {
		errs = append(errs, fmt.Errorf("invalid repository %q", j.RepositoryFullName))
	}
	if j.ChangeNumber <= 0 {
		errs = append(errs, errors.New("change number is required"))
	}
	if j.Kind == KindReview && j.HeadRevision == "" {
		errs = append(errs, errors.New("head revision is required"))
	}
	if j.Kind == KindReply && j.CommentID == 0 {
		errs = append(errs, errors.New("comment id is required for reply jobs"))
	}
	return errors.Join(errs...)
}

// OwnerRepo splits RepositoryFullName into its owner and name.
func (j Job) OwnerRepo() (string, string, bool) {
	owner, name, ok := strings.Cut(j.RepositoryFullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// IsFinalAttempt reports whether the current run is the last one the queue will make.
func (j Job) IsFinalAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

// JobLog is a single durable log line attached to a job.
type JobLog struct {
	JobID    string    `json:"job_id"`
	Level    string    `json:"level"`
	Stage    string    `json:"stage"`
	Message  string    `json:"message"`
	Recorded time.Time `json:"recorded_at"`
}
