package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-worker/internal/execution"
	"review-worker/internal/models"
)

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job record not found")

// Store wraps pgxpool for durable job, log and audit records. The pipeline
// only writes through it; reads serve operators.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertJob records a job on ingress or redelivery.
func (s *Store) UpsertJob(ctx context.Context, job models.Job) error {
	var commentID *int64
	if job.CommentID != 0 {
		commentID = &job.CommentID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_records (id, kind, repository, change_number, head_revision, comment_id, state, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, last_error = NULL, updated_at = NOW()
	`, job.ID, string(job.Kind), job.RepositoryFullName, job.ChangeNumber, job.HeadRevision, commentID, job.State, job.AttemptsMade, job.MaxAttempts)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobState sets state, attempts and last_error.
func (s *Store) UpdateJobState(ctx context.Context, id, state string, attempts int, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_records
		SET state = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, state, attempts, lastError)
	return err
}

// GetJob fetches a job record by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, repository, change_number, head_revision, comment_id, state, attempts, max_attempts, last_error, created_at, updated_at
		FROM job_records WHERE id = $1
	`, id)

	var job models.Job
	var kind string
	var commentID pgtype.Int8
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &kind, &job.RepositoryFullName, &job.ChangeNumber, &job.HeadRevision, &commentID, &job.State, &job.AttemptsMade, &job.MaxAttempts, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = models.JobKind(kind)
	if commentID.Valid {
		job.CommentID = commentID.Int64
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// AppendLog adds a durable log row.
func (s *Store) AppendLog(ctx context.Context, entry models.JobLog) error {
	ts := entry.Recorded
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, stage, message, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.JobID, entry.Level, entry.Stage, entry.Message, ts)
	return err
}

// JobLogs returns the durable log of a job, oldest first.
func (s *Store) JobLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, level, stage, message, ts FROM job_logs
		WHERE job_id = $1 ORDER BY ts, id LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()
	var out []models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.JobID, &l.Level, &l.Stage, &l.Message, &l.Recorded); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveExecution stores a finalized execution record and returns its id.
func (s *Store) SaveExecution(ctx context.Context, rec execution.Record, attempt int, archiveKey string) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal execution record: %w", err)
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_executions (id, job_id, attempt, record, archive_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, id, rec.JobID, attempt, data, emptyToNil(archiveKey))
	if err != nil {
		return "", fmt.Errorf("insert execution record: %w", err)
	}
	return id, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
