package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStream(t *testing.T) (*RedisStream, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisStream(client, "prediction_tasks", "prediction_workers")
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q, mr
}

func TestRedisStreamDeliversEachEntryOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestStream(t)

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group should be idempotent: %v", err)
	}
	if _, err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, err := q.Read(ctx, "worker-a", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "job-1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	e := entries[0]
	if e.Redelivered || e.Deliveries != 1 || e.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected delivery metadata %+v", e)
	}

	other, err := q.Read(ctx, "worker-b", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("entry delivered twice: %+v", other)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1 while unacked, got %d", depth)
	}
	if err := q.Ack(ctx, e); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, _ = q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("expected depth 0 after ack, got %d", depth)
	}
}

func TestRedisStreamReclaimAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestStream(t)

	start := time.Now().UTC()
	mr.SetTime(start)
	if _, err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ := q.Read(ctx, "worker-a", 0)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}

	early, err := q.Reclaim(ctx, "worker-b", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("entry reclaimed before visibility timeout: %+v", early)
	}

	mr.SetTime(start.Add(31 * time.Second))
	reclaimed, err := q.Reclaim(ctx, "worker-b", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].JobID != "job-2" || !reclaimed[0].Redelivered {
		t.Fatalf("unexpected reclaimed entries %+v", reclaimed)
	}
	if reclaimed[0].Deliveries < 2 {
		t.Fatalf("expected delivery count >= 2, got %d", reclaimed[0].Deliveries)
	}

	if err := q.Extend(ctx, "worker-a", entries[0]); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost for previous holder, got %v", err)
	}
	if err := q.Extend(ctx, "worker-b", reclaimed[0]); err != nil {
		t.Fatalf("extend by holder: %v", err)
	}

	if err := q.Ack(ctx, reclaimed[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	mr.SetTime(start.Add(2 * time.Minute))
	again, _ := q.Reclaim(ctx, "worker-c", 30*time.Second, 10)
	if len(again) != 0 {
		t.Fatalf("acked entry redelivered: %+v", again)
	}
}

func TestRedisStreamReadRecreatesMissingGroup(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisStream(client, "fresh_stream", "fresh_group")
	entries, err := q.Read(ctx, "worker-a", 0)
	if err != nil {
		t.Fatalf("read without group: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
	if _, err := q.Enqueue(ctx, "job-3"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ = q.Read(ctx, "worker-a", 0)
	if len(entries) != 1 {
		t.Fatalf("expected entry after group creation, got %d", len(entries))
	}
}

func TestRedisStreamBlockingReadWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestStream(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(ctx, "job-4")
	}()
	entries, err := q.Read(ctx, "worker-a", 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "job-4" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

// failXPending makes every XPENDING call fail.
type failXPending struct{}

func (failXPending) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failXPending) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xpending" {
			err := errors.New("xpending unavailable")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failXPending) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStreamReclaimLogsDeliveryCountFailure(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestStream(t)
	var buf bytes.Buffer
	q.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	start := time.Now().UTC()
	mr.SetTime(start)
	if _, err := q.Enqueue(ctx, "job-5"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entries, _ := q.Read(ctx, "worker-a", 0); len(entries) != 1 {
		t.Fatalf("expected one entry")
	}

	q.client.AddHook(failXPending{})
	mr.SetTime(start.Add(31 * time.Second))
	reclaimed, err := q.Reclaim(ctx, "worker-b", 30*time.Second, 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Deliveries != 2 {
		t.Fatalf("expected one entry with fallback count, got %+v", reclaimed)
	}
	if !strings.Contains(buf.String(), "xpending unavailable") {
		t.Fatalf("expected delivery count failure to be logged, got %q", buf.String())
	}
}
