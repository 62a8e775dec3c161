package queue

import (
	"context"
	"time"
)

// Entry is one delivery of an enqueued job reference.
type Entry struct {
	// ID identifies the delivery to the backend: a stream entry id or an SQS receipt handle.
	ID         string
	JobID      string
	EnqueuedAt time.Time
	// Deliveries counts how many times the entry has been handed out, this one included.
	Deliveries  int64
	Redelivered bool
}

// JobQueue is a durable queue with consumer-group semantics: each entry is held by one
// consumer at a time and becomes eligible for redelivery when it is not acknowledged
// within the visibility timeout.
type JobQueue interface {
	// Enqueue appends a reference to jobID and returns the entry id.
	Enqueue(ctx context.Context, jobID string) (string, error)
	// Read returns new entries for consumer, blocking up to block when none are ready.
	Read(ctx context.Context, consumer string, block time.Duration) ([]Entry, error)
	// Reclaim hands consumer the entries whose holders have been silent longer than minIdle.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Extend renews consumer's hold on an entry that is still being worked on.
	Extend(ctx context.Context, consumer string, e Entry) error
	// Ack marks the entry done; it will not be delivered again.
	Ack(ctx context.Context, e Entry) error
	// Depth reports outstanding entries, read or not.
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
