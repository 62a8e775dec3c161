package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.UnixMilli(1_700_000_000_000)
	bucket := NewTokenBucket(client, "test:", capacity, refill)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "client")
	if err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("expected first token allowed, got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "client")
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected second token allowed, got %+v", d)
	}
	d, _ = bucket.Allow(ctx, "client")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %s", d.RetryAfter)
	}

	// Buckets are per client.
	if d, _ := bucket.Allow(ctx, "other"); !d.Allowed {
		t.Fatalf("expected independent bucket for another client")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "client"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "client"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}

	*clock = clock.Add(500 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "client"); !d.Allowed {
		t.Fatalf("expected token after refill")
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket, _ := newBucket(t, 0, 0)
	for i := 0; i < 5; i++ {
		if d, err := bucket.Allow(context.Background(), "client"); err != nil || !d.Allowed {
			t.Fatalf("expected disabled limiter to allow, got %+v err=%v", d, err)
		}
	}
}
