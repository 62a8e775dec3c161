package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"prediction-service/internal/models"
)

// RedisStore keeps one hash per job under <prefix>job:<id>, expiring after ttl.
// Every write refreshes the expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ ResultStore = (*RedisStore)(nil)

// NewRedisStore wraps a shared client. The caller owns the client's lifecycle.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

// Create inserts a queued job if the id is unused.
func (s *RedisStore) Create(ctx context.Context, job models.Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	status := job.Status
	if status == "" {
		status = models.StatusQueued
	}
	res, err := createScript.Run(ctx, s.client, []string{s.jobKey(job.ID)},
		job.ID, job.Input, string(status), created.UnixMilli(), s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	return nil
}

// Get fetches a job by id.
func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeJob(fields)
}

// Begin claims a queued job for processing.
func (s *RedisStore) Begin(ctx context.Context, id string, maxAttempts int) (models.Job, Claim, error) {
	res, err := beginScript.Run(ctx, s.client, []string{s.jobKey(id)},
		maxAttempts, s.now().UnixMilli(), s.ttl.Milliseconds(),
		string(models.KindRetriesExhausted)).Int()
	if err != nil {
		return models.Job{}, 0, fmt.Errorf("begin job %s: %w", id, err)
	}
	var claim Claim
	switch res {
	case -1:
		return models.Job{}, 0, ErrNotFound
	case 0:
		claim = ClaimAcquired
	case 1:
		claim = ClaimInFlight
	case 2:
		claim = ClaimTerminal
	case 3:
		claim = ClaimExhausted
	default:
		return models.Job{}, 0, fmt.Errorf("begin job %s: unexpected script result %d", id, res)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, 0, err
	}
	return job, claim, nil
}

// Requeue releases a processing job back to queued.
func (s *RedisStore) Requeue(ctx context.Context, id string, attempt int, lastErr string) error {
	fields := []any{}
	if lastErr != "" {
		fields = append(fields, "last_error", lastErr)
	}
	return s.transition(ctx, id, models.StatusProcessing, attempt, models.StatusQueued, fields...)
}

// Complete stores the output of a processing attempt.
func (s *RedisStore) Complete(ctx context.Context, id string, attempt int, out models.Output) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return s.transition(ctx, id, models.StatusProcessing, attempt, models.StatusCompleted, "result", string(raw))
}

// Fail stores a terminal failure. Attempt zero compensates a job that never left the queue.
func (s *RedisStore) Fail(ctx context.Context, id string, attempt int, jobErr models.JobError) error {
	from := models.StatusProcessing
	if attempt == 0 {
		from = models.StatusQueued
	}
	return s.transition(ctx, id, from, attempt, models.StatusFailed,
		"error_kind", string(jobErr.Kind), "error_message", jobErr.Message)
}

func (s *RedisStore) transition(ctx context.Context, id string, from models.Status, attempt int, to models.Status, fields ...any) error {
	args := append([]any{string(from), attempt, string(to), s.now().UnixMilli(), s.ttl.Milliseconds()}, fields...)
	res, err := transitionScript.Run(ctx, s.client, []string{s.jobKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	switch res {
	case 0:
		return nil
	case -1:
		return ErrNotFound
	case 2:
		return ErrTerminal
	default:
		return ErrConflict
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error { return nil }

func decodeJob(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        f["id"],
		Input:     f["input"],
		Status:    models.Status(f["status"]),
		LastError: f["last_error"],
	}
	if v := f["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decode attempts: %w", err)
		}
		job.Attempts = n
	}
	job.CreatedAt = millis(f["created_at"])
	job.UpdatedAt = millis(f["updated_at"])
	if raw := f["result"]; raw != "" {
		var out models.Output
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return models.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &out
	}
	if kind := f["error_kind"]; kind != "" {
		job.Error = &models.JobError{Kind: models.ErrorKind(kind), Message: f["error_message"]}
	}
	return job, nil
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'input', ARGV[2], 'status', ARGV[3], 'attempts', 0, 'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// beginScript returns -1 missing, 0 acquired, 1 in flight, 2 terminal, 3 exhausted.
var beginScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == 'completed' or status == 'failed' then
  return 2
end
if status == 'processing' then
  return 1
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if attempts >= tonumber(ARGV[1]) then
  local msg = 'retries exhausted after ' .. attempts .. ' attempts'
  redis.call('HSET', KEYS[1], 'status', 'failed', 'error_kind', ARGV[4], 'error_message', msg, 'updated_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return 3
end
redis.call('HSET', KEYS[1], 'status', 'processing', 'attempts', attempts + 1, 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 0
`)

// transitionScript returns -1 missing, 0 applied, 1 conflict, 2 terminal.
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == 'completed' or status == 'failed' then
  return 2
end
if status ~= ARGV[1] then
  return 1
end
local attempt = tonumber(ARGV[2])
if attempt > 0 and tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') ~= attempt then
  return 1
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'updated_at', ARGV[4])
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 0
`)
