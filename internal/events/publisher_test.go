package events

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishKeepsCappedHistory(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := NewPublisher(client, nil)
	p.history = 2

	sub := client.Subscribe(ctx, Channel("job-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, msg := range []string{"one", "two", "three"} {
		if got := p.Publish(ctx, "job-1", "info", "review", msg); got != NotifyOK {
			t.Fatalf("expected ok, got %v", got)
		}
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "job-logs:job-1" {
		t.Fatalf("unexpected channel %s", msg.Channel)
	}

	hist, err := p.History(ctx, "job-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Message != "three" || hist[1].Message != "two" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestPublishDegradesWhenStoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	p := NewPublisher(client, nil)
	if got := p.Publish(context.Background(), "job-1", "info", "review", "hello"); got != NotifyDegraded {
		t.Fatalf("expected degraded, got %v", got)
	}
	var nilPub *Publisher
	if got := nilPub.Publish(context.Background(), "job-1", "info", "x", "y"); got != NotifyDegraded {
		t.Fatalf("nil publisher should degrade")
	}
}
