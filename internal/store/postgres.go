package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prediction-service/internal/models"
)

// PostgresStore is a ResultStore on Postgres. Expiry is an expires_at column honoured on
// every read; PurgeExpired deletes the rows.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

var (
	_ ResultStore = (*PostgresStore)(nil)
	_ Purger      = (*PostgresStore)(nil)
)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a queued job row.
func (s *PostgresStore) Create(ctx context.Context, job models.Job) error {
	now := time.Now().UTC()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := job.Status
	if status == "" {
		status = models.StatusQueued
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO predictions (id, input, status, attempts, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Input, string(status), created, created.Add(s.ttl))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	if err := appendAudit(ctx, tx, job.ID, "created", ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const selectJob = `
	SELECT id, input, status, attempts, result, error_kind, error_message, last_error, created_at, updated_at
	FROM predictions WHERE id = $1 AND expires_at > NOW()
`

// Get fetches a job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, selectJob, id))
}

// Begin claims the job under a row lock.
func (s *PostgresStore) Begin(ctx context.Context, id string, maxAttempts int) (models.Job, Claim, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, selectJob+" FOR UPDATE", id))
	if err != nil {
		return models.Job{}, 0, err
	}

	switch {
	case job.Status.Terminal():
		return job, ClaimTerminal, nil
	case job.Status == models.StatusProcessing:
		return job, ClaimInFlight, nil
	}

	now := time.Now().UTC()
	claim := ClaimAcquired
	if job.Attempts >= maxAttempts {
		claim = ClaimExhausted
		jerr := models.RetriesExhausted(job.Attempts, nil).JobError()
		job.Status = models.StatusFailed
		job.Error = &jerr
		_, err = tx.Exec(ctx, `
			UPDATE predictions
			SET status = $2, error_kind = $3, error_message = $4, updated_at = $5, expires_at = $6
			WHERE id = $1
		`, id, string(models.StatusFailed), string(jerr.Kind), jerr.Message, now, now.Add(s.ttl))
	} else {
		job.Status = models.StatusProcessing
		job.Attempts++
		_, err = tx.Exec(ctx, `
			UPDATE predictions
			SET status = $2, attempts = $3, updated_at = $4, expires_at = $5
			WHERE id = $1
		`, id, string(models.StatusProcessing), job.Attempts, now, now.Add(s.ttl))
	}
	if err != nil {
		return models.Job{}, 0, fmt.Errorf("claim job %s: %w", id, err)
	}
	if err := appendAudit(ctx, tx, id, "claim_"+claim.String(), fmt.Sprintf("attempts=%d", job.Attempts)); err != nil {
		return models.Job{}, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, 0, fmt.Errorf("commit: %w", err)
	}
	job.UpdatedAt = now
	return job, claim, nil
}

// Requeue releases a processing job back to queued.
func (s *PostgresStore) Requeue(ctx context.Context, id string, attempt int, lastErr string) error {
	return s.transition(ctx, id, models.StatusProcessing, attempt, models.StatusQueued,
		`last_error = COALESCE(NULLIF($6, ''), last_error)`, lastErr)
}

// Complete stores the output of a processing attempt.
func (s *PostgresStore) Complete(ctx context.Context, id string, attempt int, out models.Output) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return s.transition(ctx, id, models.StatusProcessing, attempt, models.StatusCompleted, `result = $6`, raw)
}

// Fail stores a terminal failure. Attempt zero compensates a job that never left the queue.
func (s *PostgresStore) Fail(ctx context.Context, id string, attempt int, jobErr models.JobError) error {
	from := models.StatusProcessing
	if attempt == 0 {
		from = models.StatusQueued
	}
	return s.transition(ctx, id, from, attempt, models.StatusFailed,
		`error_kind = $6, error_message = $7`, string(jobErr.Kind), jobErr.Message)
}

// transition applies a conditional update and its audit row in one transaction; set may
// reference $6 onwards for extra values.
func (s *PostgresStore) transition(ctx context.Context, id string, from models.Status, attempt int, to models.Status, set string, extra ...any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	args := append([]any{id, string(from), attempt, string(to), now}, extra...)
	sql := fmt.Sprintf(`
		UPDATE predictions
		SET status = $4, updated_at = $5, expires_at = $5 + make_interval(secs => %d), %s
		WHERE id = $1 AND status = $2 AND ($3 = 0 OR attempts = $3) AND expires_at > NOW()
	`, int64(s.ttl.Seconds()), set)
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		if err := appendAudit(ctx, tx, id, string(to), fmt.Sprintf("attempt=%d", attempt)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM predictions WHERE id = $1 AND expires_at > NOW()`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job %s status: %w", id, err)
	}
	if models.Status(status).Terminal() {
		return ErrTerminal
	}
	return ErrConflict
}

// PurgeExpired deletes rows past their expiry and returns how many were removed.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM predictions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// appendAudit adds an audit row for a lifecycle event inside the transition's transaction.
func appendAudit(ctx context.Context, tx pgx.Tx, jobID, event, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prediction_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("audit %s for job %s: %w", event, jobID, err)
	}
	return nil
}

// events lists the audit trail of a job, oldest first.
func (s *PostgresStore) events(ctx context.Context, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT event FROM prediction_events WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list events for job %s: %w", id, err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan events for job %s: %w", id, err)
	}
	return events, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		status    string
		result    []byte
		errKind   pgtype.Text
		errMsg    pgtype.Text
		lastError pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Input, &status, &job.Attempts, &result, &errKind, &errMsg, &lastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	if len(result) > 0 {
		var out models.Output
		if err := json.Unmarshal(result, &out); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &out
	}
	if errKind.Valid {
		job.Error = &models.JobError{Kind: models.ErrorKind(errKind.String), Message: errMsg.String}
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}
