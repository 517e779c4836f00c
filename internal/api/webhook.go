package api

import (
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"review-worker/internal/models"
)

// Pull request actions that start a review.
var reviewActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"ready_for_review": true,
}

// handleWebhook verifies and routes GitHub deliveries. Events that need no
// work are acknowledged with 204 so the sender does not retry them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, []byte(s.cfg.GitHubWebhookSecret))
	if err != nil {
		s.log.Warn("webhook signature rejected", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *github.PingEvent:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case *github.PullRequestEvent:
		job, ok := s.reviewJobFrom(e)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.accept(w, r, job, time.Now())
	case *github.PullRequestReviewCommentEvent:
		job, ok := s.replyJobFrom(e)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.accept(w, r, job, time.Now())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) reviewJobFrom(e *github.PullRequestEvent) (models.Job, bool) {
	pr := e.GetPullRequest()
	if !reviewActions[e.GetAction()] || pr.GetDraft() || pr.GetState() == "closed" {
		return models.Job{}, false
	}
	job := s.newJob(models.KindReview, e.GetRepo().GetFullName(), pr.GetNumber(), pr.GetHead().GetSHA(), 0)
	job.Action = e.GetAction()
	job.InstallationID = e.GetInstallation().GetID()
	job.CloneURL = e.GetRepo().GetCloneURL()
	return job, true
}

// replyJobFrom only accepts new human replies inside an existing thread.
func (s *Server) replyJobFrom(e *github.PullRequestReviewCommentEvent) (models.Job, bool) {
	c := e.GetComment()
	if e.GetAction() != "created" || c.GetInReplyTo() == 0 || c.GetUser().GetLogin() == s.cfg.BotLogin {
		return models.Job{}, false
	}
	job := s.newJob(models.KindReply, e.GetRepo().GetFullName(), e.GetPullRequest().GetNumber(), "", c.GetID())
	job.Action = e.GetAction()
	job.InstallationID = e.GetInstallation().GetID()
	return job, true
}
