package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	limiter := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	opts := Options{MaxRequests: 3, Window: time.Minute, KeyPrefix: "webhook"}

	for i := 0; i < 3; i++ {
		res := limiter.Check(ctx, "installation-1", opts)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d got %d", i+1, 2-i, res.Remaining)
		}
	}
	res := limiter.Check(ctx, "installation-1", opts)
	if res.Allowed {
		t.Fatalf("expected 4th request rejected")
	}
	if !res.ResetAt.After(time.Now()) {
		t.Fatalf("expected resetAt in the future, got %v", res.ResetAt)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", res.Remaining)
	}

	if other := limiter.Check(ctx, "installation-2", opts); !other.Allowed {
		t.Fatalf("identifiers must not share a window")
	}
}

func TestSlidingWindowEvictsExpired(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	limiter := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := time.Now()
	limiter.now = func() time.Time { return clock }
	opts := Options{MaxRequests: 1, Window: time.Minute}

	if !limiter.Check(ctx, "k", opts).Allowed {
		t.Fatalf("first should pass")
	}
	if limiter.Check(ctx, "k", opts).Allowed {
		t.Fatalf("second should be rejected")
	}
	// The script takes time from the caller, so advancing the injected
	// clock is enough to slide the window.
	clock = clock.Add(61 * time.Second)
	if !limiter.Check(ctx, "k", opts).Allowed {
		t.Fatalf("expected admission after window slides")
	}
}

func TestSlidingWindowFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	res := New(client).Check(context.Background(), "k", Options{MaxRequests: 1, Window: time.Minute})
	if !res.Allowed {
		t.Fatalf("expected fail-open admission")
	}
	if res.Err == nil {
		t.Fatalf("expected store error to be reported")
	}
}
