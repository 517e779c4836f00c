package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"review-worker/internal/config"
	"review-worker/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute, DLQName: "queue:dlq"})
	return q, mr
}

func reviewJob() models.Job {
	return models.Job{
		ID:                 models.JobID(models.KindReview, "acme/api", 7, "abc123", 0),
		Kind:               models.KindReview,
		RepositoryFullName: "acme/api",
		ChangeNumber:       7,
		HeadRevision:       "abc123",
		MaxAttempts:        3,
		Backoff:            models.DefaultBackoff,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	job := reviewJob()

	res, err := q.Enqueue(ctx, job, time.Time{})
	if err != nil || res != Created {
		t.Fatalf("expected created, got %v err=%v", res, err)
	}
	res, err = q.Enqueue(ctx, job, time.Time{})
	if err != nil || res != Duplicate {
		t.Fatalf("expected duplicate, got %v err=%v", res, err)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected one ready entry, got %d", depth)
	}

	claimed, ok, err := q.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("claim ok=%v err=%v", ok, err)
	}
	if res, _ := q.Enqueue(ctx, job, time.Time{}); res != Duplicate {
		t.Fatalf("active job must not be re-enqueued")
	}
	if err := q.Complete(ctx, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = q.Enqueue(ctx, job, time.Time{})
	if err != nil || res != Reset {
		t.Fatalf("expected reset of completed job, got %v err=%v", res, err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateWaiting || got.AttemptsMade != 0 {
		t.Fatalf("unexpected reset state %+v", got)
	}
}

func TestClaimRetryFail(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	job := reviewJob()
	if _, err := q.Enqueue(ctx, job, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, ok, err := q.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("claim ok=%v err=%v", ok, err)
	}
	if claimed.State != models.StateActive || claimed.RepositoryFullName != "acme/api" {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	if _, ok, _ := q.Claim(ctx); ok {
		t.Fatalf("queue should be empty")
	}

	if err := q.Retry(ctx, job.ID, errors.New("provider down"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.State != models.StateDelayed || got.AttemptsMade != 1 || got.LastError == nil || *got.LastError != "provider down" {
		t.Fatalf("unexpected state after retry %+v", got)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote n=%d err=%v", n, err)
	}
	claimed, ok, _ = q.Claim(ctx)
	if !ok || claimed.AttemptsMade != 1 {
		t.Fatalf("expected reclaimed job with one attempt, got %+v", claimed)
	}

	if err := q.Fail(ctx, job.ID, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != job.ID {
		t.Fatalf("expected job in dlq, got %v", dlq)
	}
	got, _ = q.Get(ctx, job.ID)
	if got.State != models.StateFailed || got.AttemptsMade != 2 {
		t.Fatalf("unexpected failed state %+v", got)
	}
	if err := q.DLQRemove(ctx, job.ID); err != nil {
		t.Fatalf("dlq remove: %v", err)
	}
	if dlq, _ := q.DLQPeek(ctx, 10); len(dlq) != 0 {
		t.Fatalf("expected empty dlq, got %v", dlq)
	}
}

func TestDelayedEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	job := reviewJob()
	runAt := time.Now().Add(time.Hour)
	if _, err := q.Enqueue(ctx, job, runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.Claim(ctx); ok {
		t.Fatalf("delayed job must not be claimable yet")
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("nothing should be due")
	}
	if n, _ := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10); n != 1 {
		t.Fatalf("expected job promoted once due")
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	job := reviewJob()
	if _, err := q.Enqueue(ctx, job, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.Claim(ctx); !ok {
		t.Fatalf("claim")
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one expired lease, got %v err=%v", ids, err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.State != models.StateWaiting || got.AttemptsMade != 0 {
		t.Fatalf("unexpected state after requeue %+v", got)
	}
}

func TestGetUnknown(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
