package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"prediction-service/internal/config"
	"prediction-service/internal/inference"
	"prediction-service/internal/models"
	"prediction-service/internal/queue"
	"prediction-service/internal/store"
	"prediction-service/internal/telemetry"
)

// Archiver receives every job that reaches a terminal state.
type Archiver interface {
	Archive(ctx context.Context, job models.Job) (string, error)
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    queue.JobQueue
	store    store.ResultStore
	engine   inference.Engine
	archiver Archiver
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q queue.JobQueue, st store.ResultStore, engine inference.Engine, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, engine, "", logger)
}

// NewProcessorWithID creates a processor whose consumers are named <workerID>-<n>.
func NewProcessorWithID(cfg config.Config, q queue.JobQueue, st store.ResultStore, engine inference.Engine, workerID string, logger *slog.Logger) *Processor {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		engine:   engine,
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// SetArchiver enables archiving of terminal jobs.
func (p *Processor) SetArchiver(a Archiver) {
	p.archiver = a
}

// Run starts WorkerConcurrency consumer loops and blocks until ctx is cancelled or a loop
// fails for good.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= max(1, p.cfg.WorkerConcurrency); i++ {
		consumer := fmt.Sprintf("%s-%d", p.workerID, i)
		g.Go(func() error { return p.loop(ctx, consumer) })
	}
	if purger, ok := p.store.(store.Purger); ok && p.cfg.PurgeInterval > 0 {
		g.Go(func() error { return p.purgeLoop(ctx, purger) })
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, consumer string) error {
	log := p.logger.With("consumer", consumer)
	log.Info("consumer started")
	defer log.Info("consumer stopped")

	var lastReclaim time.Time
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		reclaim := time.Since(lastReclaim) >= p.cfg.ReclaimInterval
		if reclaim {
			lastReclaim = time.Now()
		}
		n, err := p.poll(ctx, consumer, reclaim, p.cfg.WorkerPollInterval)
		if err == nil {
			failures = 0
			if reclaim && n > 0 {
				// More stale entries may be waiting; reclaim again on the next pass.
				lastReclaim = time.Time{}
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
		log.Warn("poll failed", "error", err, "failures", failures, "backoff", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// poll optionally reclaims one timed-out entry, otherwise reads a new one, and handles what
// it got. It returns how many entries were handled. A consumer holds at most one entry at a
// time, so every entry it holds is under lease renewal.
func (p *Processor) poll(ctx context.Context, consumer string, reclaim bool, block time.Duration) (int, error) {
	var entries []queue.Entry
	if reclaim {
		reclaimed, err := p.queue.Reclaim(ctx, consumer, p.cfg.VisibilityTimeout, 1)
		if err != nil {
			return 0, fmt.Errorf("reclaim: %w", err)
		}
		entries = append(entries, reclaimed...)
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
	if len(entries) == 0 {
		fresh, err := p.queue.Read(ctx, consumer, block)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		entries = fresh
	}

	var firstErr error
	for _, e := range entries {
		if err := p.handle(ctx, consumer, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(entries), firstErr
}

// handle processes one delivery. A returned error leaves the entry pending so it is
// redelivered once its visibility timeout lapses.
func (p *Processor) handle(ctx context.Context, consumer string, e queue.Entry) error {
	log := p.logger.With("consumer", consumer, "entry_id", e.ID, "job_id", e.JobID)

	if e.Redelivered {
		// Another consumer may have reclaimed the entry since it was handed to us.
		if err := p.queue.Extend(ctx, consumer, e); errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("redelivered entry now held by another consumer, dropping")
			return nil
		} else if err != nil {
			return fmt.Errorf("confirm hold on entry %s: %w", e.ID, err)
		}
		telemetry.Redeliveries.Inc()
		log.Info("redelivered entry", "deliveries", e.Deliveries)
		// The previous holder stopped renewing its lease; release whatever attempt it held.
		err := p.store.Requeue(ctx, e.JobID, 0, "")
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("release job %s: %w", e.JobID, err)
		}
	}

	job, claim, err := p.store.Begin(ctx, e.JobID, p.cfg.MaxAttempts)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("job record missing or expired, dropping entry")
		return p.ack(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", e.JobID, err)
	}

	switch claim {
	case store.ClaimInFlight, store.ClaimTerminal:
		telemetry.DuplicateDeliveries.Inc()
		log.Info("skipping duplicate delivery", "claim", claim.String(), "status", job.Status)
		return p.ack(ctx, e)
	case store.ClaimExhausted:
		telemetry.WorkerFailures.WithLabelValues(string(models.KindRetriesExhausted)).Inc()
		log.Warn("retries exhausted", "attempts", job.Attempts)
		p.archive(ctx, log, e.JobID)
		return p.ack(ctx, e)
	}

	return p.process(ctx, log, consumer, e, job)
}

func (p *Processor) process(ctx context.Context, log *slog.Logger, consumer string, e queue.Entry, job models.Job) error {
	attempt := job.Attempts
	log = log.With("attempt", attempt)
	log.Info("processing job")

	telemetry.InFlightGauge.Inc()
	out, err := p.compute(ctx, consumer, e, job.Input)
	telemetry.InFlightGauge.Dec()

	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn("lease lost during computation, abandoning attempt")
		return nil
	case err != nil && ctx.Err() != nil:
		// Shutting down: hand the job back and let the entry be reclaimed.
		if rerr := p.store.Requeue(context.WithoutCancel(ctx), job.ID, attempt, ""); rerr != nil {
			log.Warn("release job on shutdown", "error", rerr)
		}
		return ctx.Err()
	case err == nil:
		werr := p.store.Complete(ctx, job.ID, attempt, out)
		if werr == nil {
			telemetry.WorkerSuccess.Inc()
			log.Info("job completed")
			p.archive(ctx, log, job.ID)
		}
		return p.settle(ctx, log, e, werr)
	case inference.IsPermanent(err):
		jerr := models.ComputationError(err)
		werr := p.store.Fail(ctx, job.ID, attempt, jerr.JobError())
		if werr == nil {
			telemetry.WorkerFailures.WithLabelValues(string(jerr.Kind)).Inc()
			log.Warn("job failed", "error", err)
			p.archive(ctx, log, job.ID)
		}
		return p.settle(ctx, log, e, werr)
	case attempt >= p.cfg.MaxAttempts:
		jerr := models.RetriesExhausted(attempt, err)
		werr := p.store.Fail(ctx, job.ID, attempt, jerr.JobError())
		if werr == nil {
			telemetry.WorkerFailures.WithLabelValues(string(jerr.Kind)).Inc()
			log.Warn("retries exhausted", "error", err)
			p.archive(ctx, log, job.ID)
		}
		return p.settle(ctx, log, e, werr)
	}

	// Retryable failure: queue a fresh entry for the next attempt, then drop this one.
	if werr := p.store.Requeue(ctx, job.ID, attempt, err.Error()); werr != nil {
		return p.settle(ctx, log, e, werr)
	}
	if _, qerr := p.queue.Enqueue(ctx, job.ID); qerr != nil {
		return fmt.Errorf("re-enqueue job %s: %w", job.ID, qerr)
	}
	telemetry.WorkerRetries.Inc()
	log.Warn("attempt failed, retrying", "error", err)
	return p.ack(ctx, e)
}

// compute runs the engine while renewing the lease on e every half visibility timeout.
func (p *Processor) compute(ctx context.Context, consumer string, e queue.Entry, input string) (models.Output, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)
	go p.keepLease(runCtx, cancel, consumer, e, done)

	out, err := p.engine.Compute(runCtx, input)
	if cause := context.Cause(runCtx); errors.Is(cause, queue.ErrLeaseLost) {
		return models.Output{}, cause
	}
	return out, err
}

func (p *Processor) keepLease(ctx context.Context, cancel context.CancelCauseFunc, consumer string, e queue.Entry, done <-chan struct{}) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, consumer, e)
			if errors.Is(err, queue.ErrLeaseLost) {
				cancel(err)
				return
			}
			if err != nil {
				p.logger.Warn("extend lease", "entry_id", e.ID, "job_id", e.JobID, "error", err)
			}
		}
	}
}

// settle acks e once the terminal or requeue write is durable. A conflict means another
// attempt owns the job now, so the entry is left alone.
func (p *Processor) settle(ctx context.Context, log *slog.Logger, e queue.Entry, writeErr error) error {
	switch {
	case writeErr == nil:
		return p.ack(ctx, e)
	case errors.Is(writeErr, store.ErrTerminal):
		log.Info("job already terminal")
		return p.ack(ctx, e)
	case errors.Is(writeErr, store.ErrNotFound):
		log.Warn("job record expired before result was stored")
		return p.ack(ctx, e)
	case errors.Is(writeErr, store.ErrConflict):
		log.Warn("job claimed by another attempt, result discarded")
		return nil
	}
	return fmt.Errorf("store result for job %s: %w", e.JobID, writeErr)
}

func (p *Processor) ack(ctx context.Context, e queue.Entry) error {
	if err := p.queue.Ack(ctx, e); err != nil {
		return fmt.Errorf("ack entry %s: %w", e.ID, err)
	}
	return nil
}

func (p *Processor) archive(ctx context.Context, log *slog.Logger, id string) {
	if p.archiver == nil {
		return
	}
	job, err := p.store.Get(ctx, id)
	if err != nil {
		log.Warn("load job for archive", "error", err)
		return
	}
	loc, err := p.archiver.Archive(ctx, job)
	if err != nil {
		log.Warn("archive job", "error", err)
		return
	}
	log.Debug("job archived", "location", loc)
}

func (p *Processor) purgeLoop(ctx context.Context, purger store.Purger) error {
	ticker := time.NewTicker(p.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				p.logger.Warn("purge expired jobs", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("purged expired jobs", "count", n)
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
