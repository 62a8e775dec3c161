package store

import (
	"context"
	"errors"

	"prediction-service/internal/models"
)

var (
	// ErrNotFound means the job never existed or has expired.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal means the job already reached completed or failed.
	ErrTerminal = errors.New("job already terminal")
	// ErrConflict means the job is not in the state the caller expected, e.g. another
	// attempt owns it now.
	ErrConflict = errors.New("job state conflict")
)

// Claim is the outcome of trying to start processing a job.
type Claim int

const (
	// ClaimAcquired: the job moved to processing and the caller owns this attempt.
	ClaimAcquired Claim = iota
	// ClaimInFlight: another delivery is already processing the job.
	ClaimInFlight
	// ClaimTerminal: the job already finished; nothing to recompute.
	ClaimTerminal
	// ClaimExhausted: the attempt bound was reached and the job was failed.
	ClaimExhausted
)

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimInFlight:
		return "in_flight"
	case ClaimTerminal:
		return "terminal"
	case ClaimExhausted:
		return "exhausted"
	}
	return "unknown"
}

// ResultStore is the source of truth for job state visible to clients.
//
// Transition methods are conditional and atomic. attempt identifies the processing attempt
// returned by Begin; zero means the caller does not hold an attempt.
type ResultStore interface {
	// Create inserts a new queued job. It fails with ErrConflict if the id exists.
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	// Begin claims a queued job for processing, failing it with RetriesExhausted once
	// maxAttempts processing attempts have been made.
	Begin(ctx context.Context, id string, maxAttempts int) (models.Job, Claim, error)
	// Requeue moves a processing job back to queued. With attempt zero any attempt is
	// released, which is what redelivery after a visibility timeout needs.
	Requeue(ctx context.Context, id string, attempt int, lastErr string) error
	Complete(ctx context.Context, id string, attempt int, out models.Output) error
	// Fail moves the job to failed. With attempt zero the job must still be queued.
	Fail(ctx context.Context, id string, attempt int, jobErr models.JobError) error
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by stores that need expired records removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
