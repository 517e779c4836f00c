package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"review-worker/internal/execution"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchivePut(t *testing.T) {
	putter := &fakePutter{}
	a := &Archive{client: putter, bucket: "audits-bucket"}

	key, err := a.Put(context.Background(), execution.Record{JobID: "review-abc", Comments: execution.CommentCounts{Posted: 2}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(key, "audits/review-abc/") || !strings.HasSuffix(key, ".json") {
		t.Fatalf("unexpected key %q", key)
	}
	if *putter.input.Bucket != "audits-bucket" || *putter.input.Key != key {
		t.Fatalf("unexpected input %+v", putter.input)
	}
	var rec execution.Record
	if err := json.Unmarshal(putter.body, &rec); err != nil || rec.Comments.Posted != 2 {
		t.Fatalf("unexpected body %s err=%v", putter.body, err)
	}

	putter.err = errors.New("denied")
	if _, err := a.Put(context.Background(), execution.Record{JobID: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewArchiveDisabledWithoutBucket(t *testing.T) {
	a, err := NewArchive(context.Background(), ArchiveConfig{})
	if err != nil || a != nil {
		t.Fatalf("expected nil archive, got %v err=%v", a, err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(entries))
	}
	data, _ := migrationFiles.ReadFile("migrations/002_executions.sql")
	if !strings.Contains(string(data), "job_executions") {
		t.Fatalf("executions migration missing table")
	}
}
