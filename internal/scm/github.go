// Package scm wraps the source-control hosting API used by the pipeline.
package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"review-worker/internal/models"
)

const perPage = 100

// Change is the subset of a pull request the pipeline needs.
type Change struct {
	Number   int
	Title    string
	Body     string
	Author   string
	HeadSHA  string
	CloneURL string
}

// ThreadComment is one inline review comment.
type ThreadComment struct {
	ID        int64
	InReplyTo int64
	Author    string
	Path      string
	Line      int
	Body      string
	DiffHunk  string
}

// Check run conclusions.
const (
	ConclusionSuccess   = "success"
	ConclusionNeutral   = "neutral"
	ConclusionFailure   = "failure"
	ConclusionSkipped   = "skipped"
	ConclusionCancelled = "cancelled"
)

// GitHub talks to the GitHub REST API through go-github.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds a client authenticated with token. An empty baseURL uses
// the public API.
func NewGitHub(ctx context.Context, token, baseURL string) (*GitHub, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHub{client: client}, nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// GetChange loads a pull request.
func (g *GitHub) GetChange(ctx context.Context, owner, repo string, number int) (Change, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return Change{}, fmt.Errorf("get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return Change{
		Number:   pr.GetNumber(),
		Title:    pr.GetTitle(),
		Body:     pr.GetBody(),
		Author:   pr.GetUser().GetLogin(),
		HeadSHA:  pr.GetHead().GetSHA(),
		CloneURL: pr.GetHead().GetRepo().GetCloneURL(),
	}, nil
}

// ListFiles returns every changed file with a textual patch.
func (g *GitHub) ListFiles(ctx context.Context, owner, repo string, number int) ([]models.FileDiff, error) {
	var out []models.FileDiff
	opts := &github.ListOptions{PerPage: perPage}
	for {
		files, resp, err := g.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list files %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, f := range files {
			if f.GetPatch() == "" {
				continue
			}
			out = append(out, models.FileDiff{
				Filename: f.GetFilename(),
				Patch:    f.GetPatch(),
				Status:   fileStatus(f.GetStatus()),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func fileStatus(s string) models.FileStatus {
	switch s {
	case "added":
		return models.FileAdded
	case "removed":
		return models.FileRemoved
	default:
		return models.FileModified
	}
}

// UpdateDescription replaces a pull request body.
func (g *GitHub) UpdateDescription(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := g.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{Body: github.Ptr(body)})
	return err
}

// CreateCheckRun starts an in-progress check on headSHA.
func (g *GitHub) CreateCheckRun(ctx context.Context, owner, repo, name, headSHA string) (int64, error) {
	run, _, err := g.client.Checks.CreateCheckRun(ctx, owner, repo, github.CreateCheckRunOptions{
		Name:      name,
		HeadSHA:   headSHA,
		Status:    github.Ptr("in_progress"),
		StartedAt: &github.Timestamp{Time: time.Now()},
		Output: &github.CheckRunOutput{
			Title:   github.Ptr("Review in progress"),
			Summary: github.Ptr("The automated review has started."),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("create check run: %w", err)
	}
	return run.GetID(), nil
}

// CompleteCheckRun finalizes a check with a conclusion.
func (g *GitHub) CompleteCheckRun(ctx context.Context, owner, repo, name string, id int64, conclusion, title, summary string) error {
	_, _, err := g.client.Checks.UpdateCheckRun(ctx, owner, repo, id, github.UpdateCheckRunOptions{
		Name:        name,
		Status:      github.Ptr("completed"),
		Conclusion:  github.Ptr(conclusion),
		CompletedAt: &github.Timestamp{Time: time.Now()},
		Output: &github.CheckRunOutput{
			Title:   github.Ptr(title),
			Summary: github.Ptr(summary),
		},
	})
	if err != nil {
		return fmt.Errorf("complete check run %d: %w", id, err)
	}
	return nil
}

// ListReviewComments returns all inline comments of a pull request.
func (g *GitHub) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]ThreadComment, error) {
	var out []ThreadComment
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	for {
		comments, resp, err := g.client.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list review comments: %w", err)
		}
		for _, c := range comments {
			out = append(out, convertComment(c))
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// GetReviewComment loads one inline comment. It reports false when the
// comment no longer exists.
func (g *GitHub) GetReviewComment(ctx context.Context, owner, repo string, id int64) (ThreadComment, bool, error) {
	c, _, err := g.client.PullRequests.GetComment(ctx, owner, repo, id)
	if IsNotFound(err) {
		return ThreadComment{}, false, nil
	}
	if err != nil {
		return ThreadComment{}, false, fmt.Errorf("get review comment %d: %w", id, err)
	}
	return convertComment(c), true, nil
}

func convertComment(c *github.PullRequestComment) ThreadComment {
	line := c.GetLine()
	if line == 0 {
		line = c.GetOriginalLine()
	}
	return ThreadComment{
		ID:        c.GetID(),
		InReplyTo: c.GetInReplyTo(),
		Author:    c.GetUser().GetLogin(),
		Path:      c.GetPath(),
		Line:      line,
		Body:      c.GetBody(),
		DiffHunk:  c.GetDiffHunk(),
	}
}

// CreateReview publishes a COMMENT review with anchored inline comments.
func (g *GitHub) CreateReview(ctx context.Context, owner, repo string, number int, headSHA, body string, comments []models.ReviewComment) error {
	drafts := make([]*github.DraftReviewComment, 0, len(comments))
	for _, c := range comments {
		d := &github.DraftReviewComment{
			Path: github.Ptr(c.Filename),
			Body: github.Ptr(InlineBody(c)),
			Line: github.Ptr(c.Line),
			Side: github.Ptr(string(c.Side)),
		}
		if c.StartLine > 0 && c.StartLine < c.Line {
			d.StartLine = github.Ptr(c.StartLine)
			d.StartSide = github.Ptr(string(c.Side))
		}
		drafts = append(drafts, d)
	}
	_, _, err := g.client.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		CommitID: github.Ptr(headSHA),
		Body:     github.Ptr(body),
		Event:    github.Ptr("COMMENT"),
		Comments: drafts,
	})
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

// InlineBody renders a comment for posting, including a suggestion block.
func InlineBody(c models.ReviewComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** %s", c.Severity, strings.TrimSpace(c.Body))
	if c.Suggestion != "" {
		fmt.Fprintf(&b, "\n\n```suggestion\n%s\n```", strings.TrimRight(c.Suggestion, "\n"))
	}
	return b.String()
}

// ReplyToComment posts a reply in an existing review thread.
func (g *GitHub) ReplyToComment(ctx context.Context, owner, repo string, number int, commentID int64, body string) error {
	_, _, err := g.client.PullRequests.CreateCommentInReplyTo(ctx, owner, repo, number, body, commentID)
	if err != nil {
		return fmt.Errorf("reply to comment %d: %w", commentID, err)
	}
	return nil
}

// React adds a reaction to an inline comment.
func (g *GitHub) React(ctx context.Context, owner, repo string, commentID int64, content string) error {
	_, _, err := g.client.Reactions.CreatePullRequestCommentReaction(ctx, owner, repo, commentID, content)
	return err
}

// PostIssueComment adds a top-level comment to a pull request.
func (g *GitHub) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	return nil
}

// FileContent reads a file at ref. It reports false when the file is absent.
func (g *GitHub) FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, bool, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get contents %s: %w", path, err)
	}
	if file == nil {
		return nil, false, nil
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, false, fmt.Errorf("decode contents %s: %w", path, err)
	}
	return []byte(content), true, nil
}
