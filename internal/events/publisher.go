package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"review-worker/internal/models"
	"review-worker/internal/telemetry"
)

// Notify is the outcome of a best-effort side effect. Callers never fail a
// job on NotifyDegraded.
type Notify int

const (
	NotifyOK Notify = iota
	NotifyDegraded
)

func (n Notify) String() string {
	if n == NotifyOK {
		return "ok"
	}
	return "degraded"
}

// DefaultHistory is how many events are retained per job for late subscribers.
const DefaultHistory = 200

// Publisher fans job log events out to live subscribers.
type Publisher struct {
	client  *redis.Client
	history int64
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// NewPublisher builds a publisher. A nil client yields a publisher whose
// calls always report NotifyDegraded.
func NewPublisher(client *redis.Client, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, history: DefaultHistory, ttl: 24 * time.Hour, log: log, now: time.Now}
}

// Channel is the pub/sub channel for jobID.
func Channel(jobID string) string {
	return "job-logs:" + jobID
}

func historyKey(jobID string) string {
	return "job-logs:history:" + jobID
}

// Publish sends one log event for a job.
func (p *Publisher) Publish(ctx context.Context, jobID, level, stage, message string) Notify {
	if p == nil || p.client == nil {
		return NotifyDegraded
	}
	entry := models.JobLog{JobID: jobID, Level: level, Stage: stage, Message: message, Recorded: p.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return p.degraded("marshal", err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, Channel(jobID), data)
	pipe.LPush(ctx, historyKey(jobID), data)
	pipe.LTrim(ctx, historyKey(jobID), 0, p.history-1)
	pipe.Expire(ctx, historyKey(jobID), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return p.degraded("publish", err)
	}
	return NotifyOK
}

// History returns the retained events for jobID, newest first.
func (p *Publisher) History(ctx context.Context, jobID string) ([]models.JobLog, error) {
	raw, err := p.client.LRange(ctx, historyKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobLog, 0, len(raw))
	for _, r := range raw {
		var entry models.JobLog
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			return nil, fmt.Errorf("decode job log: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (p *Publisher) degraded(op string, err error) Notify {
	telemetry.BestEffortDegraded.WithLabelValues("log_" + op).Inc()
	p.log.Debug("job log fan-out degraded", zap.String("op", op), zap.Error(err))
	return NotifyDegraded
}
