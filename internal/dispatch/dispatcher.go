package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"prediction-service/internal/inference"
	"prediction-service/internal/models"
	"prediction-service/internal/queue"
	"prediction-service/internal/store"
	"prediction-service/internal/telemetry"
)

// AcceptedMessage is returned to clients whose request was queued.
const AcceptedMessage = "Request received. Processing asynchronously."

// Submission is the outcome of Submit: Output for sync requests, Job for async ones.
type Submission struct {
	Output *models.Output
	Job    *models.JobView
}

// Dispatcher serves prediction requests inline or hands them to the worker pool.
type Dispatcher struct {
	store    store.ResultStore
	queue    queue.JobQueue
	engine   inference.Engine
	maxInput int
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func New(st store.ResultStore, q queue.JobQueue, engine inference.Engine, maxInput int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		queue:    q,
		engine:   engine,
		maxInput: maxInput,
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit routes req by its mode.
func (d *Dispatcher) Submit(ctx context.Context, req models.PredictionRequest) (Submission, error) {
	if req.Mode == models.ModeAsync {
		view, err := d.Enqueue(ctx, req.Input)
		if err != nil {
			return Submission{}, err
		}
		return Submission{Job: &view}, nil
	}
	out, err := d.Predict(ctx, req.Input)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Output: &out}, nil
}

// Predict computes the output inline.
func (d *Dispatcher) Predict(ctx context.Context, input string) (models.Output, error) {
	if err := d.validate(input); err != nil {
		return models.Output{}, err
	}
	out, err := d.engine.Compute(ctx, input)
	if err != nil {
		d.logger.Error("sync prediction failed", "error", err)
		return models.Output{}, models.ComputationError(err)
	}
	telemetry.SyncPredictions.Inc()
	return out, nil
}

// Enqueue records a queued job and appends it to the queue. The record is written first so
// a worker never receives an entry it cannot resolve.
func (d *Dispatcher) Enqueue(ctx context.Context, input string) (models.JobView, error) {
	if err := d.validate(input); err != nil {
		return models.JobView{}, err
	}

	now := d.now()
	job := models.Job{
		ID:        d.newID(),
		Input:     input,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, job); err != nil {
		d.logger.Error("create job record", "job_id", job.ID, "error", err)
		return models.JobView{}, models.EnqueueError(err)
	}

	entryID, err := d.queue.Enqueue(ctx, job.ID)
	if err != nil {
		enqErr := models.EnqueueError(err)
		d.logger.Error("enqueue job", "job_id", job.ID, "error", err)
		// The request context may already be gone; the compensation must still land.
		if ferr := d.store.Fail(context.WithoutCancel(ctx), job.ID, 0, enqErr.JobError()); ferr != nil {
			d.logger.Error("mark unenqueued job failed", "job_id", job.ID, "error", ferr)
		}
		return models.JobView{}, enqErr
	}

	telemetry.EnqueueCounter.Inc()
	d.logger.Info("accepted async prediction", "job_id", job.ID, "entry_id", entryID)
	return job.View(), nil
}

func (d *Dispatcher) validate(input string) error {
	if strings.TrimSpace(input) == "" {
		return models.ValidationError("input cannot be empty")
	}
	if d.maxInput > 0 && utf8.RuneCountInString(input) > d.maxInput {
		return models.ValidationError(fmt.Sprintf("input exceeds %d characters", d.maxInput))
	}
	return nil
}
