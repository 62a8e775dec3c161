package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Extend when another consumer now holds the entry.
var ErrLeaseLost = errors.New("queue entry held by another consumer")

// RedisStream is a JobQueue on a Redis stream with a consumer group. Acknowledged
// entries are deleted, so the stream length equals outstanding work.
type RedisStream struct {
	client *redis.Client
	stream string
	group  string
	logger *slog.Logger
}

var _ JobQueue = (*RedisStream)(nil)

// NewRedisStream wraps a shared client. The caller owns the client's lifecycle.
func NewRedisStream(client *redis.Client, stream, group string) *RedisStream {
	return &RedisStream{client: client, stream: stream, group: group}
}

// SetLogger replaces the default logger.
func (q *RedisStream) SetLogger(l *slog.Logger) {
	q.logger = l
}

func (q *RedisStream) log() *slog.Logger {
	if q.logger != nil {
		return q.logger
	}
	return slog.Default()
}

// EnsureGroup creates the stream and consumer group if they do not exist yet.
func (q *RedisStream) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	return nil
}

// Enqueue appends a job reference to the stream.
func (q *RedisStream) Enqueue(ctx context.Context, jobID string) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"job_id":      jobID,
			"enqueued_at": time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return id, nil
}

// Read delivers new entries to consumer. A non-positive block returns immediately.
func (q *RedisStream) Read(ctx context.Context, consumer string, block time.Duration) ([]Entry, error) {
	entries, err := q.read(ctx, consumer, block)
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		if err := q.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		entries, err = q.read(ctx, consumer, block)
	}
	return entries, err
}

func (q *RedisStream) read(ctx context.Context, consumer string, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			e := decodeMessage(msg)
			e.Deliveries = 1
			out = append(out, e)
		}
	}
	return out, nil
}

// Reclaim transfers entries idle for at least minIdle to consumer.
func (q *RedisStream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// Entries are already claimed; without counts Deliveries falls back to 2, the lowest a
	// redelivery can have.
	deliveries, err := q.deliveryCounts(ctx, consumer, msgs)
	if err != nil {
		q.log().Warn("read delivery counts", "stream", q.stream, "error", err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e := decodeMessage(msg)
		if e.JobID == "" {
			// Entry body is gone; nothing can be processed for it.
			_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
			continue
		}
		e.Redelivered = true
		e.Deliveries = deliveries[msg.ID]
		if e.Deliveries == 0 {
			e.Deliveries = 2
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisStream) deliveryCounts(ctx context.Context, consumer string, msgs []redis.XMessage) (map[string]int64, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.stream,
		Group:    q.group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", q.stream, err)
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// Extend resets the idle time of an entry consumer still holds.
func (q *RedisStream) Extend(ctx context.Context, consumer string, e Entry) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  e.ID,
		End:    e.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", e.ID, err)
	}
	if len(pending) == 0 || pending[0].Consumer != consumer {
		return ErrLeaseLost
	}
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{e.ID},
	}).Err()
}

// Ack acknowledges and deletes the entry.
func (q *RedisStream) Ack(ctx context.Context, e Entry) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, e.ID)
	pipe.XDel(ctx, q.stream, e.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the number of entries not yet acknowledged.
func (q *RedisStream) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

func (q *RedisStream) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func decodeMessage(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values["job_id"].(string); ok {
		e.JobID = v
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return e
}
